package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/echelon-core/echelon/internal/blob/s3"
	"github.com/echelon-core/echelon/internal/cache/redis"
	"github.com/echelon-core/echelon/internal/config"
	"github.com/echelon-core/echelon/internal/domain"
	"github.com/echelon-core/echelon/internal/notify"
	"github.com/echelon-core/echelon/internal/store/postgres"
)

// Dependencies bundles every infrastructure-level dependency the
// application modes need to assemble the core. It is constructed by Wire
// and torn down by the returned cleanup function.
type Dependencies struct {
	// Postgres stores
	SignalStore        domain.SignalStore
	MarketStore        *postgres.MarketStore
	OrderStore         domain.OrderStore
	PositionStore      domain.PositionStore
	TradeStore         *postgres.TradeStore
	TimelineStore      *postgres.TimelineStore
	ParticipantStore   domain.ParticipantStore
	AgentStore         domain.AgentStore
	AgentRelationStore domain.AgentRelationStore
	AttributionStore   *postgres.AttributionStore
	FeedStatusStore    domain.FeedStatusStore
	ModeStateStore     domain.ModeStateStore
	IdempotencyStore   domain.IdempotencyStore
	AuditStore         domain.AuditStore

	// Redis caches
	MarketCache      domain.MarketCache
	RecencyIndex     domain.RecencyIndex
	RateLimiter      domain.RateLimiter
	LockManager      domain.LockManager
	IdempotencyCache domain.IdempotencyCache
	RedisEventBus    domain.EventBus

	// Blob storage
	BlobWriter  domain.BlobWriter
	BlobReader  domain.BlobReader
	BlobDeleter domain.BlobDeleter
	Archiver    domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsS3 returns true for modes that require object storage.
func needsS3(mode string) bool {
	switch mode {
	case "ingest", "full":
		return true
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

	deps := &Dependencies{}

	// --- PostgreSQL (every mode persists: even pure ingestion needs the
	// signals and feed-status tables) ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	// Run migrations if enabled.
	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.SignalStore = postgres.NewSignalStore(pool)
	deps.MarketStore = postgres.NewMarketStore(pool)
	deps.OrderStore = postgres.NewOrderStore(pool)
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.TimelineStore = postgres.NewTimelineStore(pool)
	deps.ParticipantStore = postgres.NewParticipantStore(pool)
	deps.AgentStore = postgres.NewAgentStore(pool)
	deps.AgentRelationStore = postgres.NewAgentRelationStore(pool)
	deps.AttributionStore = postgres.NewAttributionStore(pool)
	deps.FeedStatusStore = postgres.NewFeedStatusStore(pool)
	deps.ModeStateStore = postgres.NewModeStateStore(pool)
	deps.IdempotencyStore = postgres.NewIdempotencyStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

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

	deps.MarketCache = redis.NewMarketCache(redisClient)
	deps.RecencyIndex = redis.NewRecencyIndex(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.IdempotencyCache = redis.NewIdempotencyCache(redisClient)
	deps.RedisEventBus = redis.NewEventBus(redisClient)

	// --- S3 blob storage (only for modes that archive) ---
	if needsS3(cfg.Mode) {
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
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		deps.BlobDeleter = reader // same type implements BlobDeleter
		if deps.TradeStore != nil {
			deps.Archiver = s3blob.NewArchiver(
				deps.BlobWriter,
				deps.TradeStore,
				deps.MarketStore,
				deps.TimelineStore,
				deps.AttributionStore,
				deps.AuditStore,
			)
		}
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

	return deps, cleanup, nil
}
