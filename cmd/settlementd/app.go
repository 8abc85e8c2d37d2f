package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/bot"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/logging"
	"github.com/atmx/settlement-engine/internal/marketdata"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/pairs"
	"github.com/atmx/settlement-engine/internal/registry"
	"github.com/atmx/settlement-engine/internal/replication"
	"github.com/atmx/settlement-engine/internal/risk"
	"github.com/atmx/settlement-engine/internal/scheduler"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

// app holds the wired components of one process.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	hub       *notify.WSHub
	engine    *settlement.Engine
	registry  *registry.Repository
	scheduler *scheduler.Scheduler
	cleanup   []func()
}

func (a *app) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, "settlementd", cfg.Env)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	catalog, err := pairs.NewCatalog(cfg.Pairs)
	if err != nil {
		return nil, err
	}

	// --- Ledger and order store ---
	var lg ledger.Store
	var orders store.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		lg = ledger.NewPostgresStore(pool)
		orders = store.NewPostgresStore(pool)
		logger.Info("connected to PostgreSQL")
	} else {
		logger.Warn("database.url not set, using in-memory stores (data will not persist)")
		lg = ledger.NewMemoryStore()
		orders = store.NewMemoryStore()
	}

	// --- Redis: quote cache and position cache ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis.url: %w", err)
		}
		rdb = redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		orders = store.NewCachedStore(orders, rdb, cfg.Redis.PositionTTL)
		logger.Info("Redis cache enabled")
	}

	// --- Market data ---
	var quotes marketdata.Provider = marketdata.NewRESTProvider(marketdata.RESTOptions{
		BaseURL:     cfg.MarketData.BaseURL,
		RateLimit:   cfg.MarketData.RateLimit,
		Burst:       cfg.MarketData.Burst,
		Timeout:     cfg.MarketData.Timeout,
		MaxRetries:  cfg.MarketData.MaxRetries,
		BackoffBase: cfg.MarketData.BackoffBase,
	}, logger)
	if rdb != nil {
		quotes = marketdata.NewCachedProvider(quotes, rdb, marketdata.CacheOptions{
			QuoteTTL: cfg.Redis.QuoteTTL,
			MaxStale: cfg.Redis.MaxStale,
		}, logger)
	}

	// --- Notifications ---
	a.hub = notify.NewWSHub(logger)
	sink := notify.Fanout{a.hub, notify.LogSink{Logger: logger}}

	// --- Settlement ---
	var limiter *risk.PositionLimiter
	if cfg.Settlement.MaxPositionPerPair.IsPositive() || cfg.Settlement.MaxCorrelated.IsPositive() {
		limiter = risk.NewPositionLimiter(cfg.Settlement.MaxPositionPerPair, cfg.Settlement.MaxCorrelated)
	}
	a.engine, err = settlement.New(settlement.Config{
		FeeAccount:          cfg.Settlement.FeeAccount,
		LiquidityAccount:    cfg.Settlement.LiquidityAccount,
		StopSlippagePercent: cfg.Settlement.StopSlippagePercent,
		PositionLimiter:     limiter,
	}, lg, orders, quotes, catalog, sink, logger)
	if err != nil {
		return nil, err
	}

	// --- Registry, replication, bots ---
	a.registry, err = registry.Open(cfg.Registry.DSN)
	if err != nil {
		return nil, err
	}
	a.cleanup = append(a.cleanup, func() { a.registry.Close() })

	replicator := replication.New(a.engine, a.registry, sink, logger, cfg.Replication.Parallelism)
	runner := bot.NewRunner(bot.Config{
		PerTradeCap: cfg.Bots.PerTradeCap,
		Parallelism: cfg.Bots.Parallelism,
	}, a.engine, a.registry, quotes, sink, logger)

	a.scheduler = scheduler.New(scheduler.Config{
		SettleInterval:      cfg.Scheduler.SettleInterval,
		BotInterval:         cfg.Scheduler.BotInterval,
		ReplicationInterval: cfg.Scheduler.ReplicationInterval,
		ReplicationLookback: cfg.Replication.Lookback,
	}, a.engine, runner, replicator, a.registry, logger)

	ok = true
	return a, nil
}
