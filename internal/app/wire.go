package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/velobridge/settle/internal/blob/s3"
	"github.com/velobridge/settle/internal/cache/redis"
	"github.com/velobridge/settle/internal/config"
	"github.com/velobridge/settle/internal/domain"
	"github.com/velobridge/settle/internal/notify"
	"github.com/velobridge/settle/internal/server/handler"
	"github.com/velobridge/settle/internal/store/memory"
	"github.com/velobridge/settle/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	Requests     domain.RequestStore
	Positions    domain.LiquidityStore
	Escrows      domain.EscrowStore
	Receipts     domain.ReceiptStore
	Attestations domain.AttestationStore
	Balances     domain.BalanceStore
	Audit        domain.AuditStore

	// Caches and coordination
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage, only wired when archival is enabled.
	BlobWriter domain.BlobWriter

	// Notifications
	Notifier *notify.Notifier

	// Pingers feed the health endpoint, keyed by backend name.
	Pingers map[string]handler.Pinger
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// needsPostgres returns true for modes that require persistent backends.
// Sim mode runs entirely on the in-memory store.
func needsPostgres(mode string) bool {
	switch mode {
	case "serve", "sweep", "archive", "full":
		return true
	default:
		return false
	}
}

// needsS3 returns true when the mode archives to object storage.
func needsS3(mode string, archiveEnabled bool) bool {
	switch mode {
	case "archive":
		return true
	case "full":
		return archiveEnabled
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Pingers: make(map[string]handler.Pinger),
	}

	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Requests = postgres.NewRequestStore(pool)
		deps.Positions = postgres.NewLiquidityStore(pool)
		deps.Escrows = postgres.NewEscrowStore(pool)
		deps.Receipts = postgres.NewReceiptStore(pool)
		deps.Attestations = postgres.NewAttestationStore(pool)
		deps.Balances = postgres.NewBalanceStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Pingers["postgres"] = pingerFunc(pool.Ping)

		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Pingers["redis"] = pingerFunc(redisClient.Ping)
	} else {
		mem := memory.NewStore()
		deps.Requests = mem.Requests()
		deps.Positions = mem.Liquidity()
		deps.Escrows = mem.Escrows()
		deps.Receipts = mem.Receipts()
		deps.Attestations = mem.Attestations()
		deps.Balances = mem.Balances()
		deps.Audit = mem.Audit()

		deps.PriceCache = memory.NewPriceCache()
		deps.LockManager = memory.NewLockManager()
		deps.SignalBus = memory.NewBus()
	}

	if needsS3(cfg.Mode, cfg.Archive.Enabled) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Pingers["s3"] = pingerFunc(s3Client.Health)
	}

	var senders []notify.Sender
	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(
			cfg.Notify.WebhookURL,
			cfg.Notify.WebhookSecret,
		))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
