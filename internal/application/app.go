package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/infrastructure/config"
	"github.com/modelgate/modelgate/internal/infrastructure/credentials"
	"github.com/modelgate/modelgate/internal/infrastructure/eventbus"
	"github.com/modelgate/modelgate/internal/infrastructure/monitoring"
	"github.com/modelgate/modelgate/internal/infrastructure/persistence"
	"github.com/modelgate/modelgate/internal/infrastructure/pipeline"
	"github.com/modelgate/modelgate/internal/infrastructure/routing"
	"github.com/modelgate/modelgate/internal/infrastructure/upstream"
	httpiface "github.com/modelgate/modelgate/internal/interfaces/http"

	// Codec registration.
	_ "github.com/modelgate/modelgate/internal/infrastructure/upstream/anthropic"
	_ "github.com/modelgate/modelgate/internal/infrastructure/upstream/codewhisperer"
	_ "github.com/modelgate/modelgate/internal/infrastructure/upstream/gemini"
	_ "github.com/modelgate/modelgate/internal/infrastructure/upstream/openai"
)

// App owns the wired gateway: routing state, the orchestrator, observation
// sinks and the HTTP server.
type App struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	holder   *routing.Holder
	registry *routing.Registry
	creds    *credentials.Store
	client   *upstream.Client
	bus      *eventbus.Bus
	server   *httpiface.Server
}

// NewApp wires every component from configuration.
func NewApp(cfg *config.Config, configPath string, logger *zap.Logger) (*App, error) {
	table, err := config.BuildTable(cfg)
	if err != nil {
		return nil, fmt.Errorf("build routing table: %w", err)
	}
	creds, err := config.BuildCredentials(cfg)
	if err != nil {
		return nil, fmt.Errorf("build credentials: %w", err)
	}

	holder := routing.NewHolder(table)
	registry := routing.NewRegistry(holder, config.BuildRegistryConfig(cfg), logger)
	sticky := routing.NewStickyStore(0)
	balancer := routing.NewBalancer(registry, sticky, logger)
	classifier := routing.NewClassifier(config.BuildClassifier(cfg), routing.NewTokenEstimator(logger))
	client := upstream.NewClient(upstream.ClientConfig{}, creds, logger)

	bus := eventbus.NewBus(logger, cfg.Events.Buffer)
	bus.Register(eventbus.NewLogSink(logger))

	var metrics *monitoring.Metrics
	if cfg.Metrics.Enabled {
		metrics = monitoring.NewMetrics(registry)
		bus.Register(metrics)
	}

	var requestLog *persistence.RequestLog
	if cfg.Database.Type != "" {
		db, err := persistence.NewDBConnection(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open request-log database: %w", err)
		}
		requestLog = persistence.NewRequestLog(db, logger)
		bus.Register(requestLog)
	}

	orch := pipeline.NewOrchestrator(pipeline.Config{
		Holder:     holder,
		Registry:   registry,
		Balancer:   balancer,
		Classifier: classifier,
		Client:     client,
		Bus:        bus,
	}, logger)

	server := httpiface.NewServer(
		httpiface.Config{
			Host: cfg.Server.Host,
			Port: cfg.Server.Port,
			Mode: cfg.Server.Mode,
		},
		httpiface.Deps{
			Orchestrator: orch,
			Registry:     registry,
			Holder:       holder,
			Bus:          bus,
			Metrics:      metrics,
			RequestLog:   requestLog,
		},
		logger,
	)

	return &App{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		holder:     holder,
		registry:   registry,
		creds:      creds,
		client:     client,
		bus:        bus,
		server:     server,
	}, nil
}

// Start launches health probes, the config watcher and the HTTP server.
func (a *App) Start(ctx context.Context) error {
	a.registry.StartProbes(ctx, a.client.Probe)

	if a.configPath != "" {
		if err := config.Watch(ctx, a.configPath, a.logger, a.applyConfig); err != nil {
			a.logger.Warn("Config watcher unavailable, hot reload disabled", zap.Error(err))
		}
	}

	return a.server.Start(ctx)
}

// Stop shuts the gateway down: HTTP first so no new requests arrive, then
// the event bus so pending observations drain.
func (a *App) Stop(ctx context.Context) error {
	err := a.server.Stop(ctx)
	a.bus.Close()
	return err
}

// applyConfig installs a reloaded configuration. Only routing-level
// settings take effect without a restart; listener and database changes
// need a new process.
func (a *App) applyConfig(cfg *config.Config) {
	table, err := config.BuildTable(cfg)
	if err != nil {
		a.logger.Warn("Reloaded config rejected", zap.Error(err))
		return
	}
	if err := config.RegisterCredentials(a.creds, cfg); err != nil {
		a.logger.Warn("Reloaded config rejected", zap.Error(err))
		return
	}
	a.holder.Swap(table)
	a.registry.Rebuild(table)
	a.logger.Info("Routing table swapped",
		zap.Int("pipelines", len(table.Entries())),
		zap.Time("built_at", table.BuiltAt))
}
