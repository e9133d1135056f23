package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/application/eventhandler"
	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progress-engine/internal/infrastructure/metrics"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/badger"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/projections"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/progress-engine/internal/interface/http/handlers"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progress-engine/pkg/retry"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// projectorRetry re-runs a failed projection before the event is given up.
// The bus handler timeout bounds the whole loop.
func projectorRetry() *retry.Retrier {
	return retry.New(
		retry.WithMaxAttempts(4),
		retry.WithInitialDelay(50*time.Millisecond),
		retry.WithMaxDelay(time.Second),
		retry.WithJitter(0.2),
	)
}

// ══════════════════════════════════════════════════════════════════════════════
// APPLICATION GRAPH
// ══════════════════════════════════════════════════════════════════════════════

// app holds every long-lived component. Fields for backends that are not
// configured stay nil.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	metrics  *metrics.Metrics
	calendar *timeutil.Calendar
	health   *handlers.Health

	db    *postgres.Connection
	kv    *badger.DB
	cache *redis.Cache

	store     progress.Store
	catalog   progress.Catalog
	directory leaderboard.Directory
	index     leaderboard.Index

	// view is set when the index is the in-process projection.
	view *projections.LeaderboardView

	bus *messaging.InMemoryEventBus

	closers []func()
}

// buildOptions narrows what buildApp sets up for one-shot commands.
type buildOptions struct {
	// withBus wires the event bus and the leaderboard projector.
	withBus bool
}

// buildApp connects the configured backends and assembles the component graph.
// On error everything opened so far is closed.
func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger, opts buildOptions) (_ *app, err error) {
	a := &app{
		cfg:      cfg,
		log:      log,
		metrics:  metrics.New(),
		calendar: timeutil.NewCalendar(cfg.App.Location),
		health:   handlers.NewHealth(cfg.App.Version, 2*time.Second),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 1. POSTGRESQL (хранилище, каталог, справочник учеников)
	// ─────────────────────────────────────────────────────────────────────────
	if cfg.Store.Backend == config.StorePostgres || cfg.Database.URL != "" {
		if err := a.connectPostgres(ctx); err != nil {
			return nil, err
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. BADGER
	// ─────────────────────────────────────────────────────────────────────────
	if cfg.Store.Backend == config.StoreBadger {
		kv, err := badger.Open(badger.Config{
			Path:           cfg.Store.BadgerDir,
			InMemory:       cfg.Store.BadgerInMemory,
			SyncWrites:     cfg.Store.BadgerSyncWrites,
			GCInterval:     badger.DefaultConfig().GCInterval,
			GCDiscardRatio: badger.DefaultConfig().GCDiscardRatio,
			Logger:         log,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger: %w", err)
		}
		a.kv = kv
		a.onClose(func() {
			log.Info("closing badger...")
			_ = kv.Close()
		})
		a.health.AddCheck("badger", handlers.PingCheck(kv))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. REDIS (опционально для memory-индекса)
	// ─────────────────────────────────────────────────────────────────────────
	if !cfg.Redis.Disabled {
		cache, err := retry.DoWithData(ctx, a.connectRetrier("redis"), func(ctx context.Context, _ int) (*redis.Cache, error) {
			return redis.NewCache(ctx, redisConfig(cfg.Redis))
		})
		switch {
		case err == nil:
			a.cache = cache
			a.onClose(func() {
				log.Info("closing redis...")
				_ = cache.Close()
			})
			a.health.AddCheck("redis", handlers.PingCheck(cache))
			log.Info("redis connection established")
		case cfg.Leaderboard.Backend == config.IndexRedis:
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		default:
			log.Warn("failed to connect to redis, display name cache disabled", zap.Error(err))
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ХРАНИЛИЩЕ ПРОГРЕССА
	// ─────────────────────────────────────────────────────────────────────────
	switch cfg.Store.Backend {
	case config.StorePostgres:
		a.store = postgres.NewProgressStore(a.db)
	case config.StoreBadger:
		a.store = badger.NewProgressStore(a.kv)
	default:
		a.store = memory.NewProgressStore()
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. КАТАЛОГ И СПРАВОЧНИК
	// ─────────────────────────────────────────────────────────────────────────
	if a.db != nil {
		onState := func(name string, from, to circuitbreaker.State) {
			log.Warn("lookup circuit changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
		a.catalog = postgres.NewCatalog(a.db, postgres.NewLookupBreaker(onState))

		var dir leaderboard.Directory = postgres.NewDirectory(a.db, postgres.NewLookupBreaker(onState))
		if a.cache != nil {
			dir = redis.NewNameCache(a.cache, dir, cfg.Leaderboard.DisplayNameTTL, log)
		}
		a.directory = dir
	} else {
		catalog, err := loadCatalogFile(cfg.Progress.CatalogFile)
		if err != nil {
			return nil, err
		}
		a.catalog = catalog
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. ИНДЕКС ЛИДЕРБОРДА
	// ─────────────────────────────────────────────────────────────────────────
	if cfg.Leaderboard.Backend == config.IndexRedis {
		a.index = redis.NewLeaderboardIndex(a.cache, a.calendar, cfg.Leaderboard.WeeklyKeyTTL)
	} else {
		a.view = projections.NewLeaderboardView(a.calendar, log)
		a.index = a.view
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	if opts.withBus {
		busCfg := messaging.DefaultConfig()
		busCfg.Logger = log
		busCfg.Recorder = a.metrics
		bus := messaging.NewInMemoryEventBus(busCfg)
		bus.Use(
			messaging.RecoveryMiddleware(log),
			messaging.LoggingMiddleware(log),
			messaging.RetryMiddleware(projectorRetry()),
		)
		a.bus = bus
		a.onClose(func() {
			log.Info("closing event bus...")
			_ = bus.Close()
		})

		if err := eventhandler.NewLeaderboardProjector(a.index, log).Register(bus); err != nil {
			return nil, fmt.Errorf("failed to register leaderboard projector: %w", err)
		}
	}

	log.Info("components initialized",
		zap.String("store", cfg.Store.Backend),
		zap.String("leaderboard", cfg.Leaderboard.Backend),
		zap.Bool("postgres", a.db != nil),
		zap.Bool("redis", a.cache != nil),
	)
	return a, nil
}

func (a *app) connectPostgres(ctx context.Context) error {
	if a.cfg.Database.URL == "" {
		return errors.New("DATABASE_URL is required for the postgres store")
	}

	a.log.Info("connecting to database...")
	dbCfg := postgresConfig(a.cfg.Database)
	conn, err := retry.DoWithData(ctx, a.connectRetrier("postgres"), func(ctx context.Context, _ int) (*postgres.Connection, error) {
		return postgres.NewConnection(ctx, dbCfg, a.log)
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = conn
	a.onClose(func() {
		a.log.Info("closing database connection...")
		conn.Close()
	})
	a.health.AddCheck("postgres", handlers.PingCheck(conn))

	if a.cfg.Database.AutoMigrate {
		a.log.Info("checking database migrations...")
		if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		a.log.Info("database schema is up to date")
	}
	return nil
}

// connectRetrier retries a startup connection, logging every failed attempt.
func (a *app) connectRetrier(backend string) *retry.Retrier {
	return retry.DatabaseRetrier(
		retry.WithMaxAttempts(a.cfg.App.ConnectAttempts),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			a.log.Warn("backend unreachable, retrying",
				zap.String("backend", backend),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}),
	)
}

// onClose registers fn to run on Close, in reverse order of registration.
func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases every opened backend.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIG MAPPING
// ══════════════════════════════════════════════════════════════════════════════

func postgresConfig(c config.DatabaseConfig) postgres.Config {
	out := postgres.DefaultConfig()
	out.URL = c.URL
	if c.MaxConns > 0 {
		out.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		out.MinConns = c.MinConns
	}
	if c.ConnMaxLifetime > 0 {
		out.MaxConnLifetime = c.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime > 0 {
		out.MaxConnIdleTime = c.ConnMaxIdleTime
	}
	if c.QueryTimeout > 0 {
		out.QueryTimeout = c.QueryTimeout
	}
	return out
}

func redisConfig(c config.RedisConfig) redis.Config {
	out := redis.DefaultConfig()
	out.URL = c.URL
	if c.Host != "" {
		out.Host = c.Host
	}
	if c.Port > 0 {
		out.Port = c.Port
	}
	out.Password = c.Password
	out.DB = c.DB
	if c.PoolSize > 0 {
		out.PoolSize = c.PoolSize
	}
	if c.MinIdleConns > 0 {
		out.MinIdleConns = c.MinIdleConns
	}
	if c.DialTimeout > 0 {
		out.DialTimeout = c.DialTimeout
	}
	if c.ReadTimeout > 0 {
		out.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		out.WriteTimeout = c.WriteTimeout
	}
	return out
}
