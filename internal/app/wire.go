package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/sentinelmarkets/sentinel/internal/blob/s3"
	"github.com/sentinelmarkets/sentinel/internal/cache/redis"
	"github.com/sentinelmarkets/sentinel/internal/config"
	"github.com/sentinelmarkets/sentinel/internal/domain"
	"github.com/sentinelmarkets/sentinel/internal/notify"
	"github.com/sentinelmarkets/sentinel/internal/platform/polymarket"
	"github.com/sentinelmarkets/sentinel/internal/service"
	"github.com/sentinelmarkets/sentinel/internal/store/memory"
	"github.com/sentinelmarkets/sentinel/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Rule persistence, split by trust surface. Rules is the owner-scoped
	// store handed to the HTTP layer; Judge is the unscoped surface only
	// the engine sees. Both views are backed by the same store.
	Rules       domain.RuleStore
	Judge       domain.RuleJudge
	RuleArchive domain.RuleArchiveStore
	Slugs       service.SlugStore
	Audit       domain.AuditStore
	AuditPruner service.AuditPruner

	// Caches. All nil in dry-run mode, which carries no Redis.
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	Pacer       service.Pacer // same limiter as RateLimiter, backfill view
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage. Nil unless an archive bucket is configured.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Health probes for the status endpoint. Nil when the backing client
	// is not wired.
	DBHealth    service.Pinger
	CacheHealth service.Pinger

	// Notifications
	Notifier *notify.Notifier

	// Gamma market metadata client. Nil when no host is configured.
	Gamma *polymarket.GammaClient
}

// needsStores returns true for modes that require Postgres and Redis.
// Dry-run keeps everything in memory.
func needsStores(mode string) bool {
	switch mode {
	case "all", "engine", "server":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	if needsStores(cfg.Mode) {
		// --- PostgreSQL ---
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
		ruleStore := postgres.NewRuleStore(pool)
		auditStore := postgres.NewAuditStore(pool)
		deps.Rules = ruleStore
		deps.Judge = ruleStore
		deps.RuleArchive = ruleStore
		deps.Slugs = ruleStore
		deps.Audit = auditStore
		deps.AuditPruner = auditStore
		deps.DBHealth = pgClient

		// --- Redis ---
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

		limiter := redis.NewRateLimiter(redisClient)
		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.RateLimiter = limiter
		deps.Pacer = limiter
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.CacheHealth = redisClient
	} else {
		// Dry-run: in-memory stores, no cache layer, nothing survives a
		// restart.
		ruleStore := memory.NewRuleStore()
		auditStore := memory.NewAuditStore()
		deps.Rules = ruleStore
		deps.Judge = ruleStore
		deps.RuleArchive = ruleStore
		deps.Slugs = ruleStore
		deps.Audit = auditStore
	}

	// --- S3 archive (only when a bucket is configured) ---
	if needsStores(cfg.Mode) && cfg.ArchiveEnabled() {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			UseSSL:         cfg.Archive.UseSSL,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			reader,
			deps.RuleArchive,
			deps.Audit,
			cfg.Archive.Prefix,
		)
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
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Gamma metadata client ---
	if cfg.Polymarket.GammaHost != "" {
		deps.Gamma = polymarket.NewGammaClient(cfg.Polymarket.GammaHost)
	}

	return deps, cleanup, nil
}
