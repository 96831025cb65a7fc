package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	natsgo "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kirillkom/generation-orchestrator/internal/config"
	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
	"github.com/kirillkom/generation-orchestrator/internal/core/ports"
	"github.com/kirillkom/generation-orchestrator/internal/core/pricing"
	"github.com/kirillkom/generation-orchestrator/internal/core/usecase"
	"github.com/kirillkom/generation-orchestrator/internal/infrastructure/catalog/yamlfile"
	"github.com/kirillkom/generation-orchestrator/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/generation-orchestrator/internal/infrastructure/pubsub/memory"
	"github.com/kirillkom/generation-orchestrator/internal/infrastructure/queue/nats"
	"github.com/kirillkom/generation-orchestrator/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/generation-orchestrator/internal/infrastructure/resilience"
	"github.com/kirillkom/generation-orchestrator/internal/infrastructure/template"
	"github.com/kirillkom/generation-orchestrator/internal/observability/metrics"
)

type App struct {
	Config config.Config
	Logger *zap.Logger

	Registry    *prometheus.Registry
	TaskMetrics *metrics.TaskMetrics

	Subscriber ports.Subscriber
	Control    *usecase.StreamControl
	Generate   *usecase.GenerateUseCase
	Dispatcher ports.TaskDispatcher
	// Queue is nil with the in-memory backend; tasks then run inside the API
	// process.
	Queue ports.TaskQueue

	closeFn func()
}

// transport is the pub/sub side of the wiring: channels, stop flags, the
// task queue and the message-created hook.
type transport struct {
	publisher  ports.Publisher
	subscriber ports.Subscriber
	flags      ports.FlagStore
	queue      ports.TaskQueue
	hook       ports.MessageCreatedHook
	close      func()
}

func New(ctx context.Context, cfg config.Config, service string, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	store := postgres.NewAuditRepository(db)

	catalog, err := yamlfile.Load(cfg.AppsConfigPath)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load app catalog: %w", err)
	}
	logger.Info("app_catalog_loaded", zap.String("path", cfg.AppsConfigPath), zap.Strings("apps", catalog.AppIDs()))

	prices, err := pricing.NewTableFromJSON(cfg.ModelPricingJSON)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	registry := metrics.NewRegistry()
	taskMetrics := metrics.NewTaskMetrics(service, registry)
	executor := resilience.NewExecutor(resilienceConfig(cfg), logger,
		resilience.WithObserver(metrics.NewResilienceMetrics(service, registry)),
	)

	tr, err := newTransport(cfg, service, executor, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	ollamaClient := ollama.New(cfg.OllamaURL, ollama.Options{
		Timeout:            cfg.OllamaTimeout,
		ResilienceExecutor: executor,
		Logger:             logger,
	})
	models := ollama.NewProvider(ollamaClient, prices, cfg.OllamaProviderAliases...)
	renderer := template.NewRenderer()

	control := usecase.NewStreamControl(tr.publisher, tr.flags, taskMetrics, cfg.StopFlagTTL)
	tasks := usecase.NewTaskFactory(usecase.TaskFactoryDeps{
		Store:     store,
		Publisher: tr.publisher,
		Flags:     tr.flags,
		Hook:      tr.hook,
		Renderer:  renderer,
		Metrics:   taskMetrics,
		Logger:    logger,
		Options: usecase.StreamOptions{
			ChainEvents: cfg.ChainEventsEnabled,
		},
	})
	agent := usecase.NewAgentRunner(catalog, domain.AgentLimits{
		MaxIterations:  cfg.AgentMaxIterations,
		PlannerTimeout: cfg.AgentPlannerTimeout,
		ToolTimeout:    cfg.AgentToolTimeout,
	}, logger)
	generate := usecase.NewGenerateUseCase(usecase.GenerateDeps{
		Catalog:  catalog,
		Store:    store,
		Models:   models,
		Tasks:    tasks,
		Agent:    agent,
		Control:  control,
		Renderer: renderer,
		Metrics:  taskMetrics,
		Logger:   logger,
		Timeout:  cfg.TaskTimeout,
	})

	var dispatcher ports.TaskDispatcher
	if tr.queue != nil {
		dispatcher = usecase.NewQueueDispatcher(tr.queue)
	} else {
		dispatcher = usecase.NewInlineDispatcher(generate, logger)
	}

	return &App{
		Config:      cfg,
		Logger:      logger,
		Registry:    registry,
		TaskMetrics: taskMetrics,
		Subscriber:  tr.subscriber,
		Control:     control,
		Generate:    generate,
		Dispatcher:  dispatcher,
		Queue:       tr.queue,
		closeFn: func() {
			tr.close()
			closeDB(db, logger)
		},
	}, nil
}

func newTransport(cfg config.Config, service string, executor *resilience.Executor, logger *zap.Logger) (transport, error) {
	if cfg.PubSubBackend == config.PubSubMemory {
		broker := memory.NewBroker()
		logger.Warn("pubsub_memory_backend", zap.String("detail", "tasks run in-process; the worker is not used"))
		return transport{
			publisher:  broker,
			subscriber: broker,
			flags:      memory.NewFlagStore(),
			close:      func() {},
		}, nil
	}

	conn, err := nats.Connect(cfg.NATSURL, nats.Options{Name: "generation-orchestrator-" + service}, logger)
	if err != nil {
		return transport{}, fmt.Errorf("connect nats: %w", err)
	}
	flags, err := nats.NewFlagStore(conn, nats.FlagStoreOptions{
		BucketPrefix: cfg.NATSFlagBucket,
		DefaultTTL:   cfg.StopFlagTTL,
	}, logger)
	if err != nil {
		conn.Close()
		return transport{}, fmt.Errorf("init flag store: %w", err)
	}
	bus := nats.NewChannelBus(conn, nats.ChannelBusOptions{
		SubjectPrefix:      cfg.NATSChannelPrefix,
		ResilienceExecutor: executor,
	}, logger)

	return transport{
		publisher:  bus,
		subscriber: bus,
		flags:      flags,
		queue:      nats.NewTaskQueue(conn, cfg.NATSTaskSubject, cfg.WorkerConcurrency, executor, logger),
		hook:       nats.NewMessageCreatedNotifier(conn, cfg.NATSMessageCreatedSubject, executor),
		close:      func() { drainConn(conn, logger) },
	}, nil
}

func resilienceConfig(cfg config.Config) resilience.Config {
	out := resilience.DefaultConfig()
	out.RetryMaxAttempts = cfg.ResilienceRetryMaxAttempts
	out.RetryInitialBackoff = cfg.ResilienceRetryInitialBackoff
	out.RetryMaxBackoff = cfg.ResilienceRetryMaxBackoff
	out.BreakerEnabled = cfg.ResilienceBreakerEnabled
	if cfg.ResilienceBreakerMinRequests > 0 {
		out.BreakerMinRequests = uint32(cfg.ResilienceBreakerMinRequests)
	}
	out.BreakerFailureRatio = cfg.ResilienceBreakerFailureRatio
	out.BreakerOpenTimeout = cfg.ResilienceBreakerOpenTimeout
	if cfg.ResilienceBreakerHalfOpenCalls > 0 {
		out.BreakerHalfOpenMaxCalls = uint32(cfg.ResilienceBreakerHalfOpenCalls)
	}
	return out
}

func drainConn(conn *natsgo.Conn, logger *zap.Logger) {
	if err := conn.Drain(); err != nil {
		logger.Warn("nats_drain_failed", zap.Error(err))
		conn.Close()
	}
}

func closeDB(db *sql.DB, logger *zap.Logger) {
	if err := db.Close(); err != nil {
		logger.Warn("postgres_close_failed", zap.Error(err))
	}
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
