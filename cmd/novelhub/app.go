package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/novelhub/pkg/aggregator"
	"github.com/platinummonkey/novelhub/pkg/config"
	"github.com/platinummonkey/novelhub/pkg/export"
	"github.com/platinummonkey/novelhub/pkg/novel"
	"github.com/platinummonkey/novelhub/pkg/observability"
	"github.com/platinummonkey/novelhub/pkg/plugins"
	"github.com/platinummonkey/novelhub/pkg/storage"
	"github.com/platinummonkey/novelhub/pkg/storage/postgres"
)

// app is the running host: both registries and the services built on them.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	gatherer prometheus.Gatherer
	metrics  *observability.Metrics

	units     *plugins.UnitStore
	sources   *plugins.Registry[novel.Source]
	exporters *plugins.Registry[novel.Exporter]

	aggregator *aggregator.Aggregator
	dispatcher *export.Dispatcher

	health    *observability.HealthChecker
	watcher   *plugins.Watcher
	scheduler *cron.Cron
	server    *http.Server
	shutdown  *observability.ShutdownManager
}

// healthChecker is implemented by both repository backends.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// newApp builds every component and discovers the installed plugins.
// Components acquired before a failure are released before it returns.
func newApp(ctx context.Context, cfg *config.Config, log *logrus.Logger, registry *prometheus.Registry) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      log,
		gatherer: registry,
		health:   observability.NewHealthChecker(version),
		server: &http.Server{
			Addr:         cfg.Server.Addr(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}
	a.shutdown = observability.NewShutdownManager(log, a.server, cfg.Server.ShutdownTimeout)
	if cfg.Observability.MetricsEnabled {
		a.metrics = observability.NewMetrics(registry)
	}

	if err := a.build(ctx); err != nil {
		if shutdownErr := a.shutdown.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
			log.WithError(shutdownErr).Warn("Cleanup after failed start reported errors")
		}
		return nil, err
	}

	a.server.Handler = newRouter(log, a.metrics, a.gatherer, a.health, a.sources, a.exporters)
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg

	telemetry, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, a.log)
	if err != nil {
		return fmt.Errorf("init OpenTelemetry: %w", err)
	}
	if telemetry != nil {
		a.shutdown.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
			return telemetry.Shutdown(ctx, a.log)
		})
	}

	repo, err := a.openRepository()
	if err != nil {
		return err
	}

	a.units, err = plugins.NewUnitStore(cfg.Plugins.Dir)
	if err != nil {
		return fmt.Errorf("open unit store: %w", err)
	}

	var mirror plugins.UnitMirror
	if cfg.Storage.S3Bucket != "" {
		s3Mirror, err := storage.NewS3Mirror(ctx, cfg.Storage, a.log)
		if err != nil {
			return fmt.Errorf("open unit mirror: %w", err)
		}
		mirror = s3Mirror
		a.health.AddCheck("unit_mirror", false, s3Mirror.HealthCheck)
	}

	var redisClient *redis.Client
	if cfg.Storage.RedisURL != "" {
		redisClient, err = storage.NewRedisClient(cfg.Storage)
		if err != nil {
			return err
		}
		a.shutdown.RegisterShutdownFunc("redis", func(context.Context) error { return redisClient.Close() })
		a.health.AddCheck("redis", false, observability.RedisCheck(redisClient))
	}

	process := &plugins.ProcessOpener{
		Env:          cfg.Plugins.Env,
		StartTimeout: cfg.Plugins.StartTimeout,
		Logger:       pluginLogger(a.log, cfg.Observability),
	}
	registryOpts := plugins.RegistryOptions{
		Repository:      repo,
		Units:           a.units,
		Mirror:          mirror,
		Logger:          a.log,
		Metrics:         a.metrics,
		LoadConcurrency: cfg.Plugins.LoadConcurrency,
		LoadTimeout:     cfg.Plugins.LoadTimeout,
	}

	sourceLoader := plugins.NewLoader[novel.Source](plugins.KindSource, a.log, plugins.DefaultOpeners(nil, process)...)
	if a.sources, err = plugins.NewRegistry(plugins.KindSource, sourceLoader, registryOpts); err != nil {
		return err
	}
	a.shutdown.RegisterShutdownFunc("source registry", a.sources.Close)

	exporterLoader := plugins.NewLoader[novel.Exporter](plugins.KindExporter, a.log, plugins.DefaultOpeners(builtinExporters(), process)...)
	if a.exporters, err = plugins.NewRegistry(plugins.KindExporter, exporterLoader, registryOpts); err != nil {
		return err
	}
	a.shutdown.RegisterShutdownFunc("exporter registry", a.exporters.Close)

	if err := a.sources.Discover(ctx); err != nil {
		return fmt.Errorf("discover sources: %w", err)
	}
	if err := a.exporters.Discover(ctx); err != nil {
		return fmt.Errorf("discover exporters: %w", err)
	}
	if err := ensureBuiltins(ctx, a.exporters, a.log); err != nil {
		return err
	}

	a.aggregator, err = aggregator.New(a.sources, aggregator.Options{
		Logger:          a.log,
		Metrics:         a.metrics,
		BranchTimeout:   cfg.Aggregator.BranchTimeout,
		MaxChapterPages: cfg.Aggregator.MaxChapterPages,
		Cache:           a.matchCache(redisClient),
	})
	if err != nil {
		return err
	}
	a.dispatcher, err = export.New(a.exporters, export.Options{
		Logger:  a.log,
		Metrics: a.metrics,
		Timeout: cfg.Export.Timeout,
	})
	if err != nil {
		return err
	}

	a.health.AddCheck("sources", false, func(context.Context) error {
		if len(a.sources.ListLoaded()) == 0 {
			return fmt.Errorf("no source plugins loaded: %w", observability.ErrDegraded)
		}
		return nil
	})

	if cfg.Plugins.HotReload {
		a.watcher = plugins.NewWatcher(a.units, cfg.Plugins.ReloadDebounce, a.log, a.sources, a.exporters)
	}
	a.scheduler, err = newRescanScheduler(cfg.Plugins.RescanSchedule, a.log, a.sources, a.exporters)
	return err
}

func (a *app) openRepository() (plugins.Repository, error) {
	var repo plugins.Repository
	switch a.cfg.Storage.Type {
	case storage.TypePostgres:
		pg, err := postgres.NewRepository(a.cfg.Storage, a.log, a.metrics)
		if err != nil {
			return nil, fmt.Errorf("open postgres repository: %w", err)
		}
		repo = pg
	default:
		fs, err := storage.NewFileSystemRepository(a.cfg.Storage.FilesystemRoot)
		if err != nil {
			return nil, fmt.Errorf("open filesystem repository: %w", err)
		}
		repo = fs
	}

	if closer, ok := repo.(io.Closer); ok {
		a.shutdown.RegisterShutdownFunc("repository", func(context.Context) error { return closer.Close() })
	}
	if hc, ok := repo.(healthChecker); ok {
		a.health.AddCheck("repository", true, hc.HealthCheck)
	}
	a.log.WithField("backend", a.cfg.Storage.Type).Info("Plugin repository ready")
	return repo, nil
}

// matchCache layers the in-process LRU over Redis when Redis is configured.
func (a *app) matchCache(redisClient *redis.Client) aggregator.MatchCache {
	cfg := a.cfg.Aggregator
	if !cfg.CacheEnabled {
		return nil
	}
	cacheCfg := aggregator.CacheConfig{
		MaxEntries:  cfg.CacheSize,
		TTL:         cfg.CacheTTL,
		NegativeTTL: cfg.CacheNegativeTTL,
	}
	tiers := aggregator.TieredCache{aggregator.NewMemoryCache(cacheCfg, a.metrics)}
	if redisClient != nil {
		tiers = append(tiers, aggregator.NewRedisCache(redisClient, cfg.CacheRedisPrefix, cacheCfg, a.log, a.metrics))
	}
	return tiers
}

// Run serves the ops endpoints and runs the background tasks until ctx ends
// or the process is signalled, then shuts everything down.
func (a *app) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.shutdown.RegisterShutdownFunc("background tasks", func(context.Context) error {
		cancel()
		return nil
	})

	if a.watcher != nil {
		go func() {
			defer observability.RecoverPanic(a.log, "unit watcher")
			if err := a.watcher.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.WithError(err).Error("Unit watcher stopped")
			}
		}()
	}
	if a.scheduler != nil {
		a.scheduler.Start()
		a.shutdown.RegisterShutdownFunc("rescan scheduler", func(ctx context.Context) error {
			select {
			case <-a.scheduler.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	waitCtx, stopWaiting := context.WithCancelCause(ctx)
	defer stopWaiting(nil)
	go func() {
		a.log.WithField("addr", a.server.Addr).Info("Ops server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stopWaiting(err)
		}
	}()

	a.log.WithFields(logrus.Fields{
		"sources":   len(a.sources.ListLoaded()),
		"exporters": len(a.dispatcher.Exporters()),
	}).Info("novelhub ready")

	shutdownErr := a.shutdown.WaitForShutdown(waitCtx)
	if cause := context.Cause(waitCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return errors.Join(fmt.Errorf("ops server: %w", cause), shutdownErr)
	}
	return shutdownErr
}
