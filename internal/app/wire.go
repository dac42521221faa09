package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/tokenpool/internal/blob/s3"
	"github.com/alanyoungcy/tokenpool/internal/cache/redis"
	"github.com/alanyoungcy/tokenpool/internal/config"
	"github.com/alanyoungcy/tokenpool/internal/domain"
	"github.com/alanyoungcy/tokenpool/internal/ledger"
	"github.com/alanyoungcy/tokenpool/internal/lifecycle"
	"github.com/alanyoungcy/tokenpool/internal/lock"
	"github.com/alanyoungcy/tokenpool/internal/metrics"
	"github.com/alanyoungcy/tokenpool/internal/notify"
	"github.com/alanyoungcy/tokenpool/internal/server/handler"
	"github.com/alanyoungcy/tokenpool/internal/service"
	"github.com/alanyoungcy/tokenpool/internal/settlement"
	"github.com/alanyoungcy/tokenpool/internal/store/postgres"
	"github.com/alanyoungcy/tokenpool/internal/store/sqlite"
	"github.com/alanyoungcy/tokenpool/internal/wager"
)

// Dependencies bundles everything the application modes and the admin tool
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Storage
	Store   domain.Store
	Storage string // "postgres" or "sqlite"

	// Engine
	Ledger    *ledger.Ledger
	Arena     *lock.Arena
	Locks     domain.EventLocker
	Machine   *lifecycle.Machine
	Processor *wager.Processor
	Settler   *settlement.Engine

	// Services
	Markets  *service.MarketService
	Accounts *service.AccountService

	// Redis; nil when disabled.
	Redis            *redis.Client
	SignalBus        domain.SignalBus
	ProbabilityCache domain.ProbabilityCache

	// Blob storage; nil when disabled.
	Blob       *s3blob.Client
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
}

// pingFunc adapts a health function to handler.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Wire constructs all concrete implementations from cfg and returns them with
// a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Storage: strings.ToLower(cfg.Storage.Driver),
		Metrics: metrics.New(),
	}

	// --- Storage ---
	switch deps.Storage {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			ApplicationName: cfg.Postgres.ApplicationName,
			LockTimeout:     cfg.Postgres.LockTimeout.Duration,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				pgClient.Close()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		store := postgres.NewStore(pgClient)
		closers = append(closers, store.Close)
		deps.Store = store
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: sqlite: %w", err)
		}
		closers = append(closers, store.Close)
		deps.Store = store
	default:
		return nil, nil, fmt.Errorf("wire: unknown storage driver %q", cfg.Storage.Driver)
	}

	// --- Event locks ---
	deps.Arena = lock.NewArena(cfg.Engine.LockWait.Duration)
	deps.Arena.OnWait(deps.Metrics.LockWaited)
	deps.Locks = deps.Arena

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.Locks = lock.NewChain(deps.Arena, redis.NewLockManager(redisClient),
			cfg.Engine.RedisLockTTL.Duration, cfg.Engine.LockWait.Duration)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.ProbabilityCache = redis.NewProbabilityCache(redisClient, cfg.Redis.CacheTTL.Duration)
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Blob = s3Client
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.Store)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(
			cfg.Notify.DiscordWebhookURL,
			cfg.Notify.DiscordUsername,
		))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Engine and services ---
	deps.Ledger = ledger.New()
	deps.Machine = lifecycle.NewMachine(deps.Store, deps.Locks, time.Now, logger)
	deps.Processor = wager.NewProcessor(deps.Store, deps.Locks, deps.Ledger, time.Now, logger)
	deps.Settler = settlement.NewEngine(deps.Store, deps.Locks, deps.Ledger, time.Now, logger)

	deps.Markets = service.NewMarketService(
		deps.Store,
		deps.Machine,
		deps.Processor,
		deps.Settler,
		service.SideEffects{
			Cache:    deps.ProbabilityCache,
			Bus:      deps.SignalBus,
			Archiver: deps.Archiver,
			Notifier: deps.Notifier,
			Metrics:  deps.Metrics,
		},
		logger,
	)
	deps.Accounts = service.NewAccountService(deps.Store, deps.Ledger, cfg.Engine.SignupBonus, deps.Notifier, logger)

	return deps, cleanup, nil
}

// healthChecks returns the dependencies probed by /api/health.
func (d *Dependencies) healthChecks() map[string]handler.Pinger {
	checks := map[string]handler.Pinger{
		d.Storage: d.Store,
	}
	if d.Redis != nil {
		checks["redis"] = d.Redis
	}
	if d.Blob != nil {
		checks["s3"] = pingFunc(d.Blob.Health)
	}
	return checks
}
