package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/nhle-ingest/internal/config"
	"github.com/Sternrassler/nhle-ingest/pkg/cache"
	"github.com/Sternrassler/nhle-ingest/pkg/ledger"
	"github.com/Sternrassler/nhle-ingest/pkg/logging"
	"github.com/Sternrassler/nhle-ingest/pkg/metrics"
	"github.com/Sternrassler/nhle-ingest/pkg/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds the backends opened for one invocation. A read-only app never
// creates schema, truncates a journal or writes, so it can inspect backends
// that a running ingest is writing to.
type app struct {
	cfg      config.Config
	readOnly bool
	store  store.Store
	ledger ledger.Ledger
	cache  *cache.Manager
	pool   *pgxpool.Pool
	redis  *redis.Client
	logger zerolog.Logger
}

func openApp(ctx context.Context, cfg config.Config, readOnly bool) (*app, error) {
	a := &app{cfg: cfg, readOnly: readOnly, logger: logging.NewLogger("cli")}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.logger.Debug().
		Str("store", cfg.StoreKind()).
		Str("ledger", cfg.Ledger).
		Bool("read_only", readOnly).
		Bool("detail_cache", a.cache != nil).
		Msg("Backends opened")
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	cfg := a.cfg
	if cfg.StoreKind() == config.StorePostgres || cfg.Ledger == config.LedgerPostgres {
		pool, err := store.NewPool(ctx, store.PoolConfig{DSN: cfg.DatabaseURL})
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.pool = pool
	}

	if cfg.RedisURL != "" {
		if err := a.openRedis(ctx); err != nil {
			if cfg.Ledger == config.LedgerRedis {
				return err
			}
			a.logger.Warn().Err(err).Msg("Redis unavailable, detail cache disabled")
		}
	}

	if err := a.openStore(ctx); err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	switch cfg.Ledger {
	case config.LedgerPostgres:
		var (
			lg  *ledger.PostgresLedger
			err error
		)
		if a.readOnly {
			lg, err = ledger.NewPostgresLedgerReadOnly(a.pool)
		} else {
			lg, err = ledger.NewPostgresLedger(ctx, a.pool)
		}
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		a.ledger = lg
	case config.LedgerRedis:
		a.ledger = ledger.NewRedisLedger(a.redis, "", cfg.HistoryLimit)
	default:
		lg, err := ledger.NewFileLedger(cfg.LedgerPath, cfg.HistoryLimit)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		a.ledger = lg
	}
	return nil
}

func (a *app) openStore(ctx context.Context) error {
	switch kind := a.cfg.StoreKind(); kind {
	case config.StorePostgres:
		var (
			st  *store.PostgresStore
			err error
		)
		if a.readOnly {
			st, err = store.NewPostgresStoreReadOnly(a.pool)
		} else {
			st, err = store.NewPostgresStore(ctx, a.pool)
		}
		if err != nil {
			return err
		}
		a.store = st
	case config.StoreFile:
		var (
			st  *store.FileStore
			err error
		)
		if a.readOnly {
			st, err = store.OpenFileStoreReadOnly(a.cfg.StorePath)
		} else {
			st, err = store.OpenFileStore(a.cfg.StorePath)
		}
		if err != nil {
			return err
		}
		a.store = st
	default:
		return fmt.Errorf("store %q cannot be opened by the CLI", kind)
	}
	return nil
}

func (a *app) openRedis(ctx context.Context) error {
	opts, err := a.cfg.RedisOptions()
	if err != nil {
		return err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("connect to redis: %w", err)
	}
	a.redis = client
	a.cache = cache.NewManager(client, cache.WithTTL(a.cfg.CacheTTL, a.cfg.CacheMissingTTL))
	return nil
}

func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, a.cfg.MetricsAddr); err != nil {
			a.logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
}

// Close releases every opened backend.
func (a *app) Close() error {
	var errs []error
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
