package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/perpcore/internal/blob/s3"
	"github.com/alanyoungcy/perpcore/internal/cache/redis"
	"github.com/alanyoungcy/perpcore/internal/config"
	"github.com/alanyoungcy/perpcore/internal/datastore"
	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/event"
	"github.com/alanyoungcy/perpcore/internal/metrics"
	"github.com/alanyoungcy/perpcore/internal/notify"
	"github.com/alanyoungcy/perpcore/internal/oracle"
	"github.com/alanyoungcy/perpcore/internal/server/handler"
	"github.com/alanyoungcy/perpcore/internal/service"
	"github.com/alanyoungcy/perpcore/internal/store/postgres"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	DataStore domain.TxDataStore
	Locks     domain.LockManager

	// Redis
	SignalBus   domain.SignalBus
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter

	// Oracle
	Registry     *oracle.Registry
	OracleConfig oracle.Config
	Reference    oracle.ReferenceSource

	// Events
	EventLog  domain.EventLog
	EventSink domain.EventEmitter
	Archiver  domain.Archiver
	Notifier  *notify.Notifier

	Metrics *metrics.Metrics
	Health  map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from the given
// configuration, seeds the configured oracle feeds and markets into the data
// store, and returns a cleanup function that should be called on shutdown to
// release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Health:  map[string]handler.HealthCheck{},
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		Namespace:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Health["redis"] = redisClient.Health

	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)

	// --- Data store ---
	// A memory store lives in this process only, so its locks can too.
	switch strings.ToLower(cfg.Datastore) {
	case "memory":
		deps.DataStore = datastore.NewInMemory()
		deps.Locks = service.NewLocalLocks()
	case "redis":
		deps.DataStore = datastore.New(redis.NewBackend(redisClient, cfg.Redis.KeyPrefix))
		deps.Locks = redis.NewLockManager(redisClient)
	default:
		return fail(fmt.Errorf("wire: unknown datastore %q", cfg.Datastore))
	}

	// --- Oracle and markets ---
	tokens, err := tokenConfigs(cfg.Oracle.Tokens)
	if err != nil {
		return fail(fmt.Errorf("wire: oracle tokens: %w", err))
	}
	deps.Registry, err = oracle.NewRegistry(tokens)
	if err != nil {
		return fail(fmt.Errorf("wire: oracle registry: %w", err))
	}
	deps.OracleConfig, err = oracleConfig(cfg.Oracle)
	if err != nil {
		return fail(fmt.Errorf("wire: oracle config: %w", err))
	}
	switch cfg.Oracle.Reference {
	case "cache":
		deps.Reference = oracle.NewCacheReference(deps.PriceCache, cfg.Oracle.ReferenceMaxAge.Duration)
	default:
		deps.Reference = oracle.NewStoreReference(deps.DataStore)
	}
	if err := Provision(ctx, deps.DataStore, cfg, deps.Registry, deps.OracleConfig, logger); err != nil {
		return fail(fmt.Errorf("wire: provision: %w", err))
	}

	// --- PostgreSQL event log ---
	var eventStore *postgres.EventStore
	if cfg.NeedsPostgres() {
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
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			applied, err := pgClient.RunMigrations(ctx)
			if err != nil {
				return fail(fmt.Errorf("wire: %w", err))
			}
			if len(applied) > 0 {
				logger.Info("postgres migrations applied", slog.Any("files", applied))
			}
		}
		eventStore = postgres.NewEventStore(pgClient.Pool())
		deps.EventLog = eventStore
		deps.Health["postgres"] = pgClient.Health
	}

	// --- S3 event archive ---
	if cfg.NeedsS3() {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
			CreateBucket:   cfg.S3.CreateBucket,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Health["s3"] = s3Client.Health

		if deps.EventLog != nil {
			deps.Archiver = s3blob.NewEventArchiver(deps.EventLog, s3blob.NewObjects(s3Client), logger)
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

	// --- Event sink ---
	sink := event.Multi{
		event.NewLogEmitter(logger),
		event.NewPublisher(deps.SignalBus),
	}
	if eventStore != nil {
		sink = append(sink, eventStore)
	}
	if len(senders) > 0 {
		sink = append(sink, deps.Notifier)
	}
	deps.EventSink = sink

	return deps, cleanup, nil
}
