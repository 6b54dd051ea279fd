package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nowhere-ai/internal/adapter/httpapi"
	"nowhere-ai/internal/adapter/model"
	"nowhere-ai/internal/adapter/store"
	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/infra/config"
	"nowhere-ai/internal/infra/logger"
	"nowhere-ai/internal/infra/scheduling"
	"nowhere-ai/internal/infra/tracer"
	"nowhere-ai/internal/security"
	"nowhere-ai/internal/usecase/agents"
	"nowhere-ai/internal/usecase/cache"
	"nowhere-ai/internal/usecase/collab"
	"nowhere-ai/internal/usecase/dispatch"
	"nowhere-ai/internal/usecase/insights"
	"nowhere-ai/internal/usecase/tenant"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// Exit codes: 0 normal, 1 configuration error, 2 persistence unreachable.
const (
	exitConfig      = 1
	exitPersistence = 2
)

var errPersistence = errors.New("persistence unavailable")

func main() {
	cfgPath := flag.String("config", "./config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfig)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(exitConfig)
	}
	defer closeLog()
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		if errors.Is(err, errPersistence) {
			os.Exit(exitPersistence)
		}
		os.Exit(exitConfig)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("control plane starting", "version", version, "addr", cfg.Server.Addr)

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	clock := domain.SystemClock{}
	ids := domain.NewULIDSource(clock)

	st, err := openStore(cfg.Storage, clock)
	if err != nil {
		return fmt.Errorf("%w: %v", errPersistence, err)
	}
	defer st.Close()

	audit, err := security.NewCompositeAuditLogger(st, clock, cfg.Security.Audit)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer audit.Close()
	if err := audit.Init(ctx); err != nil {
		return fmt.Errorf("%w: audit collection: %v", errPersistence, err)
	}

	auth := security.NewAuthService(st, ids, clock, audit, cfg.Security, log)
	if err := auth.Init(ctx); err != nil {
		return fmt.Errorf("%w: auth collections: %v", errPersistence, err)
	}
	if err := auth.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	tenants := tenant.NewService(st, ids, clock, log)
	if err := tenants.Init(ctx); err != nil {
		return fmt.Errorf("%w: tenant collections: %v", errPersistence, err)
	}

	sink := insights.NewSink(st, ids, clock, cfg.Insights, log)
	if err := sink.Init(ctx); err != nil {
		return fmt.Errorf("%w: metric collection: %v", errPersistence, err)
	}
	sink.Start()
	defer sink.Stop()

	responseCache := cache.New(cfg.Cache, clock, sink)

	models, err := buildModels(cfg.Models, sink, clock, log)
	if err != nil {
		return fmt.Errorf("models: %w", err)
	}

	agentRegistry := agents.NewRegistry(agents.Deps{
		Models:   models,
		Cache:    responseCache,
		Clock:    clock,
		Logger:   log,
		CacheTTL: cfg.Cache.DefaultTTL,
	})

	schemas := dispatch.NewSchemaRegistry()
	for kind, table := range agentRegistry.Schemas() {
		for taskKind, schema := range table {
			if err := schemas.Register(kind, taskKind, schema); err != nil {
				return fmt.Errorf("schema %s/%s: %w", kind, taskKind, err)
			}
		}
	}

	dispatcher := dispatch.NewDispatcher(st, tenants, agentRegistry, schemas,
		ids, clock, sink, audit, cfg.Dispatcher, log)
	if err := dispatcher.Init(ctx); err != nil {
		return fmt.Errorf("%w: task collection: %v", errPersistence, err)
	}
	if err := dispatcher.Recover(ctx); err != nil {
		return fmt.Errorf("recover interrupted tasks: %w", err)
	}

	coordinator := collab.NewCoordinator(st, dispatcher, ids, clock, audit, cfg.Collab, log)
	if err := coordinator.Init(ctx); err != nil {
		return fmt.Errorf("%w: collaboration collection: %v", errPersistence, err)
	}

	engine := insights.NewEngine(st, ids, clock, cfg.Insights, log)
	if err := engine.Init(ctx); err != nil {
		return fmt.Errorf("%w: report collection: %v", errPersistence, err)
	}

	privacy := security.NewPrivacyService(st, audit, clock, []string{
		security.UserCollection,
		security.SessionCollection,
		dispatch.TaskCollection,
		collab.Collection,
		insights.ReportCollection,
		security.AuditCollection,
	})

	scheduler := scheduling.NewScheduler(log)
	if cfg.Scheduler.Enabled {
		if err := registerJobs(scheduler, cfg.Scheduler, responseCache, auth, audit, coordinator, sink); err != nil {
			return err
		}
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	server := httpapi.NewServer(cfg.Server, httpapi.Deps{
		Auth:       auth,
		Tenants:    tenants,
		Dispatcher: dispatcher,
		Agents:     agentRegistry,
		Collab:     coordinator,
		Insights:   engine,
		Cache:      responseCache,
		Privacy:    privacy,
		Audit:      audit,
		Clock:      clock,
		Logger:     log,
		Version:    version,
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(cfg.Server.Addr) }()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		log.Warn("http drain failed", "error", err)
	}
	if err := dispatcher.Stop(drainCtx); err != nil {
		log.Warn("dispatcher drain failed", "error", err)
	}
	log.Info("control plane stopped")
	return nil
}

func openStore(cfg config.StorageConfig, clock domain.Clock) (domain.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(clock), nil
	default:
		return store.NewSQLiteStore(cfg.Path, clock)
	}
}

// modelService joins capability selection and chain execution behind the
// interface agents consume.
type modelService struct {
	*model.Registry
	*model.FailoverInvoker
}

func buildModels(cfg config.ModelsConfig, metrics domain.MetricSink,
	clock domain.Clock, log *slog.Logger) (*modelService, error) {
	invokers := make(map[string]domain.ModelInvoker, len(cfg.Providers))
	for _, p := range cfg.Providers {
		var inv domain.ModelInvoker
		var err error
		switch p.Type {
		case "bedrock":
			inv, err = model.NewBedrockInvoker(p, log)
		case "http":
			inv = model.NewHTTPInvoker(p, log)
		case "static":
			inv = model.NewStaticInvoker()
		default:
			err = fmt.Errorf("unknown provider type %q", p.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		inv = model.NewBreakerInvoker(inv, cfg.CircuitBreaker, log)
		invokers[p.Name] = model.NewContextGuard(inv)
	}

	registry, err := model.NewRegistry(cfg, invokers)
	if err != nil {
		return nil, err
	}
	return &modelService{
		Registry:        registry,
		FailoverInvoker: model.NewFailoverInvoker(registry, metrics, clock, log),
	}, nil
}

func registerJobs(s *scheduling.Scheduler, cfg config.SchedulerConfig,
	responseCache *cache.Cache, auth *security.AuthService,
	audit *security.CompositeAuditLogger, coordinator *collab.Coordinator,
	sink *insights.Sink) error {

	jobs := []struct {
		name string
		cfg  config.ScheduledJobConfig
		fn   func(ctx context.Context) error
	}{
		{"cache_sweep", cfg.CacheSweep, func(context.Context) error {
			responseCache.Sweep()
			return nil
		}},
		{"session_reap", cfg.SessionReap, func(ctx context.Context) error {
			_, err := auth.ReapSessions(ctx)
			return err
		}},
		{"audit_retention", cfg.AuditRetention, func(ctx context.Context) error {
			_, err := audit.EnforceRetention(ctx)
			return err
		}},
		{"collab_archive", cfg.CollabArchive, func(ctx context.Context) error {
			_, err := coordinator.ArchiveExpired(ctx)
			return err
		}},
		{"metric_compaction", cfg.Compaction, func(ctx context.Context) error {
			_, err := sink.Compact(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if !j.cfg.Enabled {
			continue
		}
		if err := s.AddInterval(j.name, j.cfg.Interval, j.fn); err != nil {
			return err
		}
	}
	return nil
}
