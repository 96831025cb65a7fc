package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kirillkom/generation-orchestrator/internal/bootstrap"
	"github.com/kirillkom/generation-orchestrator/internal/config"
	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
	"github.com/kirillkom/generation-orchestrator/internal/observability/logging"
	"github.com/kirillkom/generation-orchestrator/internal/observability/metrics"
)

const serviceName = "worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.NewLogger(serviceName, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, serviceName, logger)
	if err != nil {
		logger.Fatal("bootstrap_failed", zap.Error(err))
	}
	defer app.Close()

	if app.Queue == nil {
		logger.Fatal("worker_requires_queue", zap.String("pubsub_backend", cfg.PubSubBackend))
	}

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           metricsMux(app),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("worker_metrics_listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_failed", zap.Error(err))
		}
	}()

	logger.Info("worker_subscribed",
		zap.String("subject", cfg.NATSTaskSubject),
		zap.Int("concurrency", cfg.WorkerConcurrency),
	)
	err = app.Queue.SubscribeTasks(ctx, func(handlerCtx context.Context, job domain.GenerationJob) error {
		if !job.CreatedAt.IsZero() {
			app.TaskMetrics.ObserveQueueLag(time.Since(job.CreatedAt))
		}
		// A started task finishes (or hits its own timeout) even during
		// shutdown; SubscribeTasks waits for it.
		runCtx := context.WithoutCancel(handlerCtx)
		err := app.Generate.Run(runCtx, job)
		if errors.Is(err, domain.ErrTaskStopped) {
			return nil
		}
		return err
	})
	if err != nil {
		logger.Error("worker_subscribe_failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker_metrics_shutdown_failed", zap.Error(err))
	}
}

func metricsMux(app *bootstrap.App) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(app.Registry))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}
