package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rebalancer/internal/analytics"
	s3blob "github.com/alanyoungcy/rebalancer/internal/blob/s3"
	"github.com/alanyoungcy/rebalancer/internal/cache/redis"
	"github.com/alanyoungcy/rebalancer/internal/chain"
	"github.com/alanyoungcy/rebalancer/internal/config"
	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/metrics"
	"github.com/alanyoungcy/rebalancer/internal/notify"
	"github.com/alanyoungcy/rebalancer/internal/queue"
	"github.com/alanyoungcy/rebalancer/internal/server/handler"
	"github.com/alanyoungcy/rebalancer/internal/store/memstore"
	"github.com/alanyoungcy/rebalancer/internal/store/postgres"
	"github.com/alanyoungcy/rebalancer/internal/store/sqlite"
)

// Dependencies bundles every infrastructure dependency the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Chain    *chain.MultiClient
	Signers  chain.Transactors
	Balances domain.BalanceSource

	Rebalances domain.RebalanceStore
	Intents    domain.IntentStore
	Queue      domain.JobQueue

	// Nil unless Redis is configured.
	Locks   domain.LockManager
	Limiter domain.RateLimiter
	Stream  domain.EventStream

	Analytics analytics.Sink
	Notifier  *notify.Notifier
	Metrics   *metrics.Metrics

	// Checks gate the readiness probe.
	Checks map[string]handler.Pinger

	// background loops started by the run modes
	background []func(ctx context.Context) error
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
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
		Checks:  make(map[string]handler.Pinger),
	}

	// --- Chains and signing keys ---
	endpoints := make([]chain.Endpoint, 0, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		endpoints = append(endpoints, chain.Endpoint{ChainID: ch.ChainID, RPCURL: ch.RPCURL})
	}
	mc, err := chain.Dial(ctx, endpoints, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: chain: %w", err))
	}
	closers = append(closers, mc.Close)
	deps.Chain = mc
	deps.Balances = chain.NewBalanceSource(mc)

	deps.Signers = make(chain.Transactors, len(cfg.Keys))
	for i, k := range cfg.Keys {
		key, err := chain.LoadKey(chain.KeySource{
			RawHex:   k.PrivateKey,
			FilePath: k.EncryptedKeyPath,
			Password: k.KeyPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: key %d: %w", i, err))
		}
		tx := chain.NewTransactor(key, mc, logger)
		deps.Signers[tx.Address()] = tx
	}

	// --- Rebalance and intent repositories ---
	deps.Intents = memstore.NewIntentStore()
	switch cfg.Store.Driver {
	case "postgres":
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
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Rebalances = postgres.NewRebalanceStore(pgClient.Pool())
		deps.Intents = postgres.NewIntentStore(pgClient.Pool())
		deps.Checks["postgres"] = pgClient
	case "sqlite":
		store, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return fail(fmt.Errorf("wire: sqlite: %w", err))
		}
		closers = append(closers, func() { _ = store.Close() })
		deps.Rebalances = store
		deps.Checks["sqlite"] = store
	default:
		deps.Rebalances = memstore.NewRebalanceStore()
	}

	// --- Redis ---
	defaults := domain.JobOptions{
		Attempts: cfg.Queue.Attempts,
		Backoff:  domain.Backoff{Type: domain.BackoffExponential, Delay: cfg.Queue.Backoff.Duration},
	}
	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		redisClient, err = redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locks = redis.NewLockManager(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient, cfg.Redis.RateLimit, cfg.Redis.RateWindow.Duration)
		deps.Stream = redis.NewEventStream(redisClient)
		deps.Checks["redis"] = redisClient
		if cfg.Queue.Driver == "redis" {
			jq := redis.NewJobQueue(redisClient, cfg.Queue.Name, defaults)
			jq.SetLease(cfg.Queue.Lease.Duration)
			deps.Queue = jq
		}
	}
	if deps.Queue == nil {
		deps.Queue = queue.NewMemory(defaults)
	}

	// --- Analytics ---
	deps.Analytics = analytics.Nop{}
	if cfg.Analytics.Enabled {
		var backends analytics.Multi
		if cfg.Analytics.RedisStream && redisClient != nil {
			backends = append(backends, redis.NewAnalyticsStream(redisClient))
		}
		var archive *analytics.BlobArchive
		if cfg.Analytics.Archive {
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
				return fail(fmt.Errorf("wire: s3: %w", err))
			}
			archiver := s3blob.NewArchiver(s3blob.NewWriter(s3Client), cfg.S3.Prefix)
			archive = analytics.NewBlobArchive(archiver, "events", cfg.Analytics.BatchSize)
			backends = append(backends, archive)
			deps.Checks["s3"] = handler.PingFunc(s3Client.Health)
		}
		if len(backends) == 0 {
			backends = append(backends, analytics.Log(logger))
		}

		async := analytics.NewAsync(backends, cfg.Analytics.Buffer, logger)
		deps.Analytics = async
		deps.background = append(deps.background, func(ctx context.Context) error {
			err := async.Run(ctx)
			if archive != nil {
				flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlush)
				defer cancel()
				if ferr := archive.Flush(flushCtx); ferr != nil {
					logger.Warn("analytics archive flush failed", slog.String("error", ferr.Error()))
				}
			}
			if n := async.Dropped(); n > 0 {
				logger.Warn("analytics events dropped", slog.Int("count", n))
			}
			return err
		})
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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.PerMinute, logger)

	return deps, cleanup, nil
}

// wallets parses the configured wallet addresses.
func wallets(cfg *config.Config) []common.Address {
	out := make([]common.Address, 0, len(cfg.Wallets.Addresses))
	for _, a := range cfg.Wallets.Addresses {
		out = append(out, common.HexToAddress(strings.TrimSpace(a)))
	}
	return out
}
