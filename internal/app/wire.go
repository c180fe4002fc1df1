package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/celoledger/internal/blob/s3"
	"github.com/alanyoungcy/celoledger/internal/cache/redis"
	"github.com/alanyoungcy/celoledger/internal/chain"
	"github.com/alanyoungcy/celoledger/internal/config"
	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/metrics"
	"github.com/alanyoungcy/celoledger/internal/notify"
	"github.com/alanyoungcy/celoledger/internal/store/postgres"
	"github.com/alanyoungcy/celoledger/internal/store/sqlite"
)

// Dependencies bundles every concrete dependency the modes need. Optional
// backends (redis, S3) leave their fields nil when not configured.
type Dependencies struct {
	Ledger domain.Ledger
	Chain  *chain.Client // ingest and full modes only

	// Redis-backed coordination.
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Quarantine sink for malformed logs.
	Quarantine *s3blob.Quarantine

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
}

// needsChain returns true for modes that poll the chain.
func needsChain(mode string) bool {
	return mode == "ingest" || mode == "full"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, mode string, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Metrics: metrics.New()}

	// --- Ledger ---
	switch strings.ToLower(cfg.Ledger.Driver) {
	case "sqlite":
		store, err := sqlite.Open(cfg.Ledger.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: sqlite: %w", err)
		}
		closers = append(closers, func() { _ = store.Close() })
		deps.Ledger = store
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.Ledger = postgres.NewLedger(pgClient.Pool())
	}

	// --- Chain ---
	if needsChain(mode) {
		client, err := chain.Dial(ctx, chain.Config{
			RPCURL:            cfg.Chain.RPCURL,
			RequestsPerSecond: cfg.Chain.RequestsPerSecond,
			Burst:             max(1, int(cfg.Chain.RequestsPerSecond)),
			Timeout:           cfg.Chain.RPCTimeout.Duration,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chain: %w", err)
		}
		closers = append(closers, client.Close)
		deps.Chain = client
	}

	// --- Redis ---
	if cfg.Redis.Enabled() {
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

		deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Redis.MarketTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
	} else {
		logger.Warn("redis not configured: leases, market cache, signal bus and rate limiting disabled")
	}

	// --- S3 quarantine ---
	if cfg.S3.Enabled() {
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
		if err := s3Client.Ping(ctx); err != nil {
			logger.Warn("s3 bucket not reachable", slog.String("error", err.Error()))
		}
		deps.Quarantine = s3blob.NewQuarantine(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client))
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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger).
		WithCooldown(cfg.Notify.Cooldown.Duration)

	return deps, cleanup, nil
}
