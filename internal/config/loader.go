package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path (TOML, or YAML for .yaml/.yml),
// merges it on top of Defaults, applies TOKENPOOL_* environment overrides and
// returns the result. An empty path skips the file. The returned Config has
// not been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return yaml.Unmarshal(raw, cfg)
	default:
		_, err := toml.DecodeFile(path, cfg)
		return err
	}
}

// applyEnvOverrides overwrites fields whose TOKENPOOL_* variable is set, so
// secrets can be injected at deploy time without touching the file.
func applyEnvOverrides(cfg *Config) {
	// ── Storage ──
	setStr(&cfg.Storage.Driver, "TOKENPOOL_STORAGE_DRIVER")
	setStr(&cfg.SQLite.Path, "TOKENPOOL_SQLITE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TOKENPOOL_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "TOKENPOOL_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TOKENPOOL_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TOKENPOOL_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TOKENPOOL_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TOKENPOOL_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TOKENPOOL_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TOKENPOOL_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TOKENPOOL_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TOKENPOOL_POSTGRES_RUN_MIGRATIONS")
	setDuration(&cfg.Postgres.LockTimeout, "TOKENPOOL_POSTGRES_LOCK_TIMEOUT")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TOKENPOOL_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TOKENPOOL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TOKENPOOL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TOKENPOOL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TOKENPOOL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TOKENPOOL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TOKENPOOL_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "TOKENPOOL_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.CacheTTL, "TOKENPOOL_REDIS_CACHE_TTL")
	setInt64(&cfg.Redis.StreamMaxLen, "TOKENPOOL_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TOKENPOOL_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TOKENPOOL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TOKENPOOL_S3_REGION")
	setStr(&cfg.S3.Bucket, "TOKENPOOL_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TOKENPOOL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TOKENPOOL_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TOKENPOOL_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TOKENPOOL_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "TOKENPOOL_S3_PREFIX")

	// ── Engine ──
	setInt64(&cfg.Engine.SignupBonus, "TOKENPOOL_ENGINE_SIGNUP_BONUS")
	setDuration(&cfg.Engine.LockWait, "TOKENPOOL_ENGINE_LOCK_WAIT")
	setDuration(&cfg.Engine.RedisLockTTL, "TOKENPOOL_ENGINE_REDIS_LOCK_TTL")

	// ── Scheduler ──
	setStr(&cfg.Scheduler.CloseSweepSpec, "TOKENPOOL_SCHEDULER_CLOSE_SWEEP_SPEC")
	setStr(&cfg.Scheduler.ArchiveSpec, "TOKENPOOL_SCHEDULER_ARCHIVE_SPEC")
	setDuration(&cfg.Scheduler.JobTimeout, "TOKENPOOL_SCHEDULER_JOB_TIMEOUT")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TOKENPOOL_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TOKENPOOL_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TOKENPOOL_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TOKENPOOL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TOKENPOOL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TOKENPOOL_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.DiscordUsername, "TOKENPOOL_NOTIFY_DISCORD_USERNAME")
	setStringSlice(&cfg.Notify.Events, "TOKENPOOL_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TOKENPOOL_MODE")
	setStr(&cfg.LogLevel, "TOKENPOOL_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
