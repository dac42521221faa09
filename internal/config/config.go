// Package config loads, validates and redacts the tokenpool configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for tokenpool.
type Config struct {
	Storage   StorageConfig   `toml:"storage" yaml:"storage"`
	Postgres  PostgresConfig  `toml:"postgres" yaml:"postgres"`
	SQLite    SQLiteConfig    `toml:"sqlite" yaml:"sqlite"`
	Redis     RedisConfig     `toml:"redis" yaml:"redis"`
	S3        S3Config        `toml:"s3" yaml:"s3"`
	Engine    EngineConfig    `toml:"engine" yaml:"engine"`
	Scheduler SchedulerConfig `toml:"scheduler" yaml:"scheduler"`
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Notify    NotifyConfig    `toml:"notify" yaml:"notify"`
	Mode      string          `toml:"mode" yaml:"mode"`
	LogLevel  string          `toml:"log_level" yaml:"log_level"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `toml:"driver" yaml:"driver"` // "postgres" or "sqlite"
}

// PostgresConfig holds connection parameters for PostgreSQL.
type PostgresConfig struct {
	DSN             string   `toml:"dsn" yaml:"dsn"`
	Host            string   `toml:"host" yaml:"host"`
	Port            int      `toml:"port" yaml:"port"`
	Database        string   `toml:"database" yaml:"database"`
	User            string   `toml:"user" yaml:"user"`
	Password        string   `toml:"password" yaml:"password"`
	SSLMode         string   `toml:"ssl_mode" yaml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns" yaml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns" yaml:"pool_min_conns"`
	RunMigrations   bool     `toml:"run_migrations" yaml:"run_migrations"`
	ApplicationName string   `toml:"application_name" yaml:"application_name"`
	LockTimeout     Duration `toml:"lock_timeout" yaml:"lock_timeout"`
}

// SQLiteConfig holds the database file path. ":memory:" keeps everything in
// process.
type SQLiteConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// RedisConfig holds connection parameters for Redis. When disabled the engine
// runs with process-local locks and no signal bus or probability cache.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled" yaml:"enabled"`
	Addr         string   `toml:"addr" yaml:"addr"`
	Password     string   `toml:"password" yaml:"password"`
	DB           int      `toml:"db" yaml:"db"`
	PoolSize     int      `toml:"pool_size" yaml:"pool_size"`
	MaxRetries   int      `toml:"max_retries" yaml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled" yaml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix" yaml:"key_prefix"`
	CacheTTL     Duration `toml:"cache_ttl" yaml:"cache_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len" yaml:"stream_max_len"`
}

// S3Config holds settings for S3-compatible object storage.
type S3Config struct {
	Enabled        bool   `toml:"enabled" yaml:"enabled"`
	Endpoint       string `toml:"endpoint" yaml:"endpoint"`
	Region         string `toml:"region" yaml:"region"`
	Bucket         string `toml:"bucket" yaml:"bucket"`
	AccessKey      string `toml:"access_key" yaml:"access_key"`
	SecretKey      string `toml:"secret_key" yaml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl" yaml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style" yaml:"force_path_style"`
	Prefix         string `toml:"prefix" yaml:"prefix"`
}

// EngineConfig tunes the wagering engine.
type EngineConfig struct {
	SignupBonus  int64    `toml:"signup_bonus" yaml:"signup_bonus"`
	LockWait     Duration `toml:"lock_wait" yaml:"lock_wait"`
	RedisLockTTL Duration `toml:"redis_lock_ttl" yaml:"redis_lock_ttl"`
}

// SchedulerConfig holds the cron specs of the background jobs. Specs take a
// leading seconds field.
type SchedulerConfig struct {
	CloseSweepSpec string   `toml:"close_sweep_spec" yaml:"close_sweep_spec"`
	ArchiveSpec    string   `toml:"archive_spec" yaml:"archive_spec"`
	JobTimeout     Duration `toml:"job_timeout" yaml:"job_timeout"`
}

// ServerConfig holds the HTTP API server settings.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled" yaml:"enabled"`
	Port        int      `toml:"port" yaml:"port"`
	CORSOrigins []string `toml:"cors_origins" yaml:"cors_origins"`
}

// NotifyConfig holds operator alert channels.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token" yaml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id" yaml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url" yaml:"discord_webhook_url"`
	DiscordUsername   string   `toml:"discord_username" yaml:"discord_username"`
	Events            []string `toml:"events" yaml:"events"`
}

// Duration wraps time.Duration so TOML and YAML files can spell it as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML decodes a scalar duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

var validModes = map[string]bool{
	"server": true,
	"worker": true,
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration and returns every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, worker, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.User == "" {
				errs = append(errs, "postgres: user must not be empty (or set postgres.dsn)")
			}
		}
		if c.Postgres.PoolMaxConns < 0 || c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool sizes must not be negative")
		}
		if c.Postgres.PoolMaxConns > 0 && c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			errs = append(errs, "sqlite: path must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q (valid: postgres, sqlite)", c.Storage.Driver))
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.CacheTTL.Duration <= 0 {
			errs = append(errs, "redis: cache_ttl must be positive")
		}
		if c.Redis.StreamMaxLen < 0 {
			errs = append(errs, "redis: stream_max_len must not be negative")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}

	if c.Engine.SignupBonus < 0 {
		errs = append(errs, "engine: signup_bonus must not be negative")
	}
	if c.Engine.LockWait.Duration <= 0 {
		errs = append(errs, "engine: lock_wait must be positive")
	}
	if c.Redis.Enabled && c.Engine.RedisLockTTL.Duration <= 0 {
		errs = append(errs, "engine: redis_lock_ttl must be positive when redis is enabled")
	}

	needsScheduler := c.Mode == "worker" || c.Mode == "full"
	if needsScheduler {
		if c.Scheduler.CloseSweepSpec == "" {
			errs = append(errs, "scheduler: close_sweep_spec must not be empty for mode "+c.Mode)
		}
		if c.S3.Enabled && c.Scheduler.ArchiveSpec == "" {
			errs = append(errs, "scheduler: archive_spec must not be empty when s3 is enabled")
		}
	}

	needsServer := c.Mode == "server" || c.Mode == "full"
	if needsServer && c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be between 1 and 65535, got %d", c.Server.Port))
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Defaults returns a Config populated with sensible default values. Load
// decodes the file on top of it so unset keys keep these values.
func Defaults() Config {
	return Config{
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Postgres: PostgresConfig{
			Port:            5432,
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			RunMigrations:   true,
			ApplicationName: "tokenpool",
			LockTimeout:     Duration{5 * time.Second},
		},
		SQLite: SQLiteConfig{
			Path: "tokenpool.db",
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			KeyPrefix:    "tokenpool:",
			CacheTTL:     Duration{30 * time.Second},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Region:         "us-east-1",
			UseSSL:         true,
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			SignupBonus:  1000,
			LockWait:     Duration{5 * time.Second},
			RedisLockTTL: Duration{30 * time.Second},
		},
		Scheduler: SchedulerConfig{
			CloseSweepSpec: "@every 30s",
			ArchiveSpec:    "0 0 3 1 * *",
			JobTimeout:     Duration{5 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			DiscordUsername: "tokenpool",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}
