// Package app assembles the gateway from configuration. main and the
// serverless entrypoint share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"data_gateway/config"
	"data_gateway/logger"
	"data_gateway/metrics"
	"data_gateway/middleware"
	"data_gateway/models"
	"data_gateway/routes"
	"data_gateway/scheduler"
	"data_gateway/services/apikey"
	"data_gateway/services/archive"
	"data_gateway/services/cache"
	"data_gateway/services/gateway"
	"data_gateway/services/health"
	"data_gateway/services/providers"
	"data_gateway/services/ratelimit"
	"data_gateway/services/realtime"
	"data_gateway/services/registry"
	"data_gateway/services/requestlog"
	"data_gateway/services/synctask"
	"data_gateway/services/webhook"
)

// App holds the wired services
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Router   *gin.Engine
	Registry *registry.Registry
	Health   *health.Monitor
	Cache    cache.Store
	Gateway  *gateway.Orchestrator
	Sync     *synctask.Manager
	Webhooks *webhook.Dispatcher
	Keys     *apikey.Authority
	Limiter  *ratelimit.Limiter
	Requests *requestlog.Logger
	Hub      *realtime.Hub

	scheduler *scheduler.Scheduler
	redis     *redis.Client
	mongo     *archive.MongoArchive
}

// Build connects storage, migrates, seeds sources and wires every
// service. db may be supplied by tests; nil opens config.InitDB.
func Build(ctx context.Context, cfg *config.Config, db *gorm.DB) (*App, error) {
	log := logger.WithComponent("app")
	metrics.Init()

	if db == nil {
		var err error
		if db, err = config.InitDB(); err != nil {
			return nil, err
		}
	}
	log.Info("running database migrations")
	if err := models.MigrateAll(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{Config: cfg, DB: db}

	// Sources
	reg, err := registry.New(ctx, db)
	if err != nil {
		return nil, err
	}
	seeds, err := sourceSeeds(cfg)
	if err != nil {
		return nil, err
	}
	if err := reg.Seed(ctx, seeds); err != nil {
		return nil, err
	}
	a.Registry = reg

	a.Health = health.New(db,
		health.WithWindow(cfg.HealthWindow),
		health.WithRecoveryInterval(cfg.HealthRecoveryInterval),
	)
	if err := a.Health.Load(ctx); err != nil {
		log.WithError(err).Warn("could not restore source health")
	}
	a.Health.Track(reg.All()...)

	// Cache: redis when configured, memory otherwise
	a.Cache = cache.NewMemoryStore()
	if cfg.RedisURL != "" {
		client, err := cache.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, using in-memory cache")
		} else {
			a.redis = client
			a.Cache = cache.NewRedisStore(client)
			log.Info("using redis cache")
		}
	}

	a.Requests = requestlog.New(db, requestlog.WithBuffer(cfg.RequestLogBuffer))

	timeouts := gateway.DefaultTimeouts()
	if cfg.ProviderTimeout > 0 {
		timeouts = gateway.Uniform(cfg.ProviderTimeout)
	}
	ps := buildProviders(cfg)
	a.Gateway = gateway.New(reg, a.Health, a.Cache, ps,
		gateway.WithTimeouts(timeouts),
		gateway.WithTTLPolicy(cache.TTLPolicy{
			Quote:       cfg.CacheTTLQuote,
			Kline:       cfg.CacheTTLKline,
			Fundamental: cfg.CacheTTLFundamental,
			MoneyFlow:   cfg.CacheTTLMoneyFlow,
			Sector:      cfg.CacheTTLSector,
		}),
		gateway.WithRequestLog(a.Requests),
	)

	// Archive: SQL is primary, mongo mirrors when configured
	store := archive.Multi{archive.NewSQLArchive(db)}
	if cfg.MongoURI != "" {
		m, err := archive.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			log.WithError(err).Warn("mongo archive unavailable, bars go to SQL only")
		} else {
			a.mongo = m
			store = append(store, m)
		}
	}

	a.Webhooks = webhook.New(db)
	a.Sync = synctask.New(db, a.Gateway, store,
		synctask.WithWorkers(cfg.SyncWorkers),
		synctask.WithIncrementalDays(cfg.SyncIncrementalDays),
		synctask.WithUniverse(synctask.StaticUniverse(cfg.SyncSymbols)),
		synctask.WithNotifier(a.Webhooks),
		synctask.WithRateSource(reg),
	)
	// Running tasks with a quiet heartbeat belonged to a process that died;
	// other replicas keep theirs fresh
	if n, err := a.Sync.ReconcileStale(ctx, cfg.SyncStaleAfter); err != nil {
		log.WithError(err).Warn("could not reconcile sync tasks")
	} else if n > 0 {
		log.WithField("tasks", n).Warn("failed sync tasks left running by a previous process")
	}

	a.Keys = apikey.New(db, cfg.RateLimitPerMinute, cfg.RateLimitPerHour)
	a.Limiter = ratelimit.New()
	a.Hub = realtime.New(a.Gateway,
		realtime.WithInterval(cfg.RealtimePollInterval),
		realtime.WithMaxClients(cfg.RealtimeMaxClients),
		realtime.WithUniverse(synctask.StaticUniverse(cfg.SyncSymbols)),
	)

	a.scheduler = scheduler.NewScheduler(scheduler.Jobs{
		Sync:      a.Sync,
		Health:    a.Health,
		Limiter:   a.Limiter,
		Cache:     a.Cache,
		Stats:     a.Requests,
		StaleSync: cfg.SyncStaleAfter,
		Retention: retention(cfg.RequestLogRetentionDays),
	})

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware())

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	routes.SetupRoutes(router, routes.Dependencies{
		Market:             a.Gateway,
		Sync:               a.Sync,
		Sources:            reg,
		Health:             a.Health,
		Keys:               a.Keys,
		Webhooks:           a.Webhooks,
		Stats:              a.Requests,
		Jobs:               a.scheduler,
		Log:                a.Requests,
		Limiter:            a.Limiter,
		Realtime:           a.Hub,
		DB:                 sqlDB,
		AdminJWTSecret:     cfg.AdminJWTSecret,
		RequireAPIKey:      cfg.RequireAPIKey,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RateLimitPerHour:   cfg.RateLimitPerHour,
	})
	a.Router = router

	log.WithFields(logger.Fields{
		"sources":   len(reg.All()),
		"providers": ps.Codes(),
	}).Info("gateway assembled")
	return a, nil
}

// Start launches background workers
func (a *App) Start() {
	a.Requests.Start()
	a.Hub.Start()
	a.scheduler.Start()
}

// Shutdown stops workers and flushes state, bounded by ctx
func (a *App) Shutdown(ctx context.Context) error {
	log := logger.WithComponent("app")
	a.scheduler.Stop()
	a.Hub.Stop()

	var errs []error
	if err := waitFor(ctx, a.Sync.Wait); err != nil {
		errs = append(errs, fmt.Errorf("sync worker: %w", err))
	}
	if err := waitFor(ctx, a.Webhooks.Wait); err != nil {
		errs = append(errs, fmt.Errorf("webhook deliveries: %w", err))
	}
	if err := a.Health.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Requests.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("request log drain: %w", err))
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.mongo != nil {
		if err := a.mongo.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}

	err := errors.Join(errs...)
	if err != nil {
		log.WithError(err).Warn("shutdown finished with errors")
	} else {
		log.Info("shutdown complete")
	}
	return err
}

func sourceSeeds(cfg *config.Config) ([]models.Source, error) {
	var seeds []config.SourceSeed
	if cfg.SourcesFile != "" {
		var err error
		if seeds, err = config.LoadSources(cfg.SourcesFile); err != nil {
			return nil, err
		}
	} else {
		seeds = cfg.DefaultSources()
	}

	out := make([]models.Source, 0, len(seeds))
	for _, s := range seeds {
		out = append(out, s.ToModel())
	}
	return out, nil
}

func buildProviders(cfg *config.Config) providers.Set {
	var ps []providers.Provider
	if cfg.FreeEnabled && cfg.FreeBaseURL != "" {
		ps = append(ps, providers.NewHTTPProvider(config.ProviderFree, cfg.FreeBaseURL))
	}
	if cfg.HistoryEnabled && cfg.HistoryBaseURL != "" {
		ps = append(ps, providers.NewHTTPProvider(config.ProviderHistory, cfg.HistoryBaseURL))
	}
	if cfg.CommercialEnabled && cfg.CommercialBaseURL != "" {
		ps = append(ps, providers.NewHTTPProvider(config.ProviderCommercial, cfg.CommercialBaseURL,
			providers.WithToken(cfg.CommercialToken)))
	}
	return providers.NewSet(ps...)
}

// waitFor runs wait in the background and gives up when ctx ends
func waitFor(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func retention(days int) time.Duration {
	if days <= 0 {
		return 0
	}
	return time.Duration(days) * 24 * time.Hour
}
