package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/TFMV/planlens/cmd/server/config"
	"github.com/TFMV/planlens/pkg/cache"
	"github.com/TFMV/planlens/pkg/inference"
	"github.com/TFMV/planlens/pkg/inference/costmodel"
	"github.com/TFMV/planlens/pkg/infrastructure/memory"
	"github.com/TFMV/planlens/pkg/infrastructure/metrics"
	"github.com/TFMV/planlens/pkg/repositories/duckdb"
	"github.com/TFMV/planlens/pkg/repositories/postgres"
	"github.com/TFMV/planlens/pkg/repositories/sqlstore"
	"github.com/TFMV/planlens/pkg/scoring"
	"github.com/TFMV/planlens/pkg/server"
	"github.com/TFMV/planlens/pkg/services"
)

// app holds every long-lived component built from a Config.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     *sqlstore.Store
	cache     *cache.PlanCache
	gate      *inference.Gate
	allocator *memory.TrackedAllocator
	collector metrics.Collector
	registry  *prometheus.Registry
	services  server.Services
}

// newApp opens the store and wires the evaluation pipeline. Prometheus
// metrics are collected on a private registry when enabled.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:       cfg,
		logger:    logger,
		allocator: memory.NewTrackedAllocator(nil),
		collector: metrics.NewNoOpCollector(),
	}
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.collector = metrics.NewPrometheusCollector(
			metrics.WithNamespace(cfg.Metrics.Namespace),
			metrics.WithRegisterer(a.registry),
		)
	}

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	if cfg.Store.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate store: %w", err)
		}
	}

	if err := a.wire(); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (*sqlstore.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.Postgres, logger)
	case config.DriverDuckDB:
		return duckdb.Open(cfg.DuckDB, logger)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func (a *app) wire() error {
	cfg := a.cfg

	planCache, err := cache.New(cache.DefaultConfig().
		WithMaxSize(cfg.Cache.MaxSize).
		WithStats(cfg.Cache.EnableStats).
		WithMetrics(a.collector))
	if err != nil {
		return fmt.Errorf("create plan cache: %w", err)
	}
	a.cache = planCache

	a.gate = inference.NewGate(
		inference.WithAcquireTimeout(cfg.Inference.AcquireTimeout),
		inference.WithGateMetrics(a.collector),
	)

	capability, err := costmodel.NewCatalog(cfg.Models...)
	if err != nil {
		return fmt.Errorf("load cost models: %w", err)
	}

	explainers, err := cfg.Evaluation.ExplainerVariants()
	if err != nil {
		return err
	}
	kinds, err := cfg.Evaluation.MetricKinds()
	if err != nil {
		return err
	}

	graphs := services.NewGraphLoader(a.store, a.store, a.cache)
	catalog := services.DefaultMetricCatalog(services.FidelityConfig{
		FidelityOptions: scoring.FidelityOptions{
			RelThreshold: cfg.Evaluation.RelThreshold,
			AbsThreshold: cfg.Evaluation.AbsThreshold,
		},
		CumulativeThreshold: cfg.Evaluation.CumulativeThreshold,
	})
	explanations := services.NewExplanationStore(a.store, graphs, a.gate,
		newServiceLogger(a.logger, "explanation_store"), a.collector)
	evaluator := services.NewMetricEvaluator(a.store, catalog, graphs, capability, a.gate,
		newServiceLogger(a.logger, "metric_evaluator"), a.collector)

	a.services = server.Services{
		Evaluation: services.NewEvaluationService(a.store, a.store, explanations, evaluator, capability,
			services.EvaluationDefaults{
				MaxTableCount:         cfg.Evaluation.MaxTableCount,
				MaxPlansPerTableCount: cfg.Evaluation.MaxPlansPerTableCount,
				Explainers:            explainers,
				Metrics:               kinds,
			},
			newServiceLogger(a.logger, "evaluation_service"), a.collector),
		Report: services.NewReportService(a.store, a.store, graphs, newServiceLogger(a.logger, "report_service")),
		Ingest: services.NewIngestService(a.store, newServiceLogger(a.logger, "ingest_service")),
		Inspect: services.NewInspectService(graphs, capability, a.gate,
			newServiceLogger(a.logger, "inspect_service")),
		Browse: services.NewBrowseService(a.store, a.store, graphs, newServiceLogger(a.logger, "browse_service")),
	}

	a.logger.Info().
		Strs("models", capability.Models()).
		Int("cache_size", cfg.Cache.MaxSize).
		Dur("gate_timeout", cfg.Inference.AcquireTimeout).
		Msg("Evaluation pipeline ready")
	return nil
}

// flightServer builds the Flight service over the app's services.
func (a *app) flightServer() (*server.FlightServer, error) {
	return server.New(a.services, a.logger.With().Str("component", "flight").Logger(),
		server.WithAllocator(a.allocator),
		server.WithMetrics(a.collector),
	)
}

// Close releases the store and reports cache statistics.
func (a *app) Close() error {
	if a.cache != nil && a.cfg.Cache.EnableStats {
		stats := a.cache.Stats()
		a.logger.Info().
			Uint64("hits", stats.Hits).
			Uint64("misses", stats.Misses).
			Uint64("builds", stats.Builds).
			Uint64("evictions", stats.Evictions).
			Msg("Plan cache statistics")
	}
	return a.store.Close()
}
