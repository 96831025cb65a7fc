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

	httpadapter "github.com/kirillkom/generation-orchestrator/internal/adapters/http"
	"github.com/kirillkom/generation-orchestrator/internal/bootstrap"
	"github.com/kirillkom/generation-orchestrator/internal/config"
	"github.com/kirillkom/generation-orchestrator/internal/observability/logging"
	"github.com/kirillkom/generation-orchestrator/internal/observability/metrics"
)

const serviceName = "api"

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

	router := httpadapter.NewRouter(httpadapter.RouterDeps{
		Dispatcher:     app.Dispatcher,
		Subscriber:     app.Subscriber,
		Control:        app.Control,
		Metrics:        metrics.NewHTTPServerMetrics(serviceName, app.Registry),
		MetricsHandler: metrics.Handler(app.Registry),
		Logger:         logger,
		Options: httpadapter.Options{
			PingInterval:    cfg.PingInterval,
			BlockingTimeout: cfg.TaskTimeout,
			RateLimitRPS:    cfg.APIRateLimitRPS,
			RateLimitBurst:  cfg.APIRateLimitBurst,
		},
	})
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Event streams stay open for the whole generation.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", zap.String("addr", server.Addr), zap.String("pubsub_backend", cfg.PubSubBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("api_server_failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", zap.Error(err))
	}
}
