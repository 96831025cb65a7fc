package httpadapter

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kirillkom/generation-orchestrator/internal/core/ports"
	"github.com/kirillkom/generation-orchestrator/internal/observability/metrics"
)

const (
	defaultPingInterval    = 15 * time.Second
	defaultBlockingTimeout = 5 * time.Minute
	defaultOverloadWait    = 100 * time.Millisecond
	maxRequestBodyBytes    = 1 << 20
)

type Options struct {
	PingInterval    time.Duration
	BlockingTimeout time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
	// MaxInFlight bounds concurrent message requests; <= 0 disables the limit.
	MaxInFlight  int
	OverloadWait time.Duration
}

type RouterDeps struct {
	Dispatcher     ports.TaskDispatcher
	Subscriber     ports.Subscriber
	Control        ports.TaskControl
	Metrics        *metrics.HTTPServerMetrics
	MetricsHandler http.Handler
	Logger         *zap.Logger
	Options        Options
}

type Router struct {
	dispatcher     ports.TaskDispatcher
	subscriber     ports.Subscriber
	control        ports.TaskControl
	metrics        *metrics.HTTPServerMetrics
	metricsHandler http.Handler
	logger         *zap.Logger
	options        Options

	now       func() time.Time
	newTaskID func() string
}

func NewRouter(deps RouterDeps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	options := deps.Options
	if options.PingInterval <= 0 {
		options.PingInterval = defaultPingInterval
	}
	if options.BlockingTimeout <= 0 {
		options.BlockingTimeout = defaultBlockingTimeout
	}
	if options.OverloadWait <= 0 {
		options.OverloadWait = defaultOverloadWait
	}
	return &Router{
		dispatcher:     deps.Dispatcher,
		subscriber:     deps.Subscriber,
		control:        deps.Control,
		metrics:        deps.Metrics,
		metricsHandler: deps.MetricsHandler,
		logger:         logger.Named("http"),
		options:        options,
		now:            time.Now,
		newTaskID:      newTaskID,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.metricsHandler != nil {
		mux.Handle("GET /metrics", rt.metricsHandler)
	}

	messages := backpressureMiddleware(http.HandlerFunc(rt.createMessage), rt.options.MaxInFlight, rt.options.OverloadWait)
	mux.Handle("POST /v1/apps/{app_id}/messages", messages)
	mux.HandleFunc("GET /v1/tasks/{task_id}/events", rt.streamTaskEvents)
	mux.HandleFunc("POST /v1/tasks/{task_id}/stop", rt.stopTask)

	var handler http.Handler = rateLimitMiddleware(mux, rt.options.RateLimitRPS, rt.options.RateLimitBurst)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(handler)
	}
	handler = accessLogMiddleware(rt.logger, handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
