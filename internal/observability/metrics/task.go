package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
)

// TaskMetrics observes generation tasks. It implements ports.TaskMetrics.
type TaskMetrics struct {
	service string

	tasksTotal      *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	tasksInFlight   prometheus.Gauge
	eventsPublished *prometheus.CounterVec
	stopRequests    prometheus.Counter
	billedTotal     *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	queueLag        prometheus.Histogram
}

func NewTaskMetrics(service string, registry prometheus.Registerer) *TaskMetrics {
	constLabels := prometheus.Labels{"service": service}

	tasksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "task",
			Name:        "total",
			Help:        "Finished generation tasks by status.",
			ConstLabels: constLabels,
		},
		[]string{"status"},
	)
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "task",
			Name:        "duration_seconds",
			Help:        "Generation task duration in seconds by status.",
			Buckets:     []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			ConstLabels: constLabels,
		},
		[]string{"status"},
	)
	tasksInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "task",
			Name:        "in_flight",
			Help:        "Number of generation tasks currently running.",
			ConstLabels: constLabels,
		},
	)
	eventsPublished := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "channel",
			Name:        "events_published_total",
			Help:        "Events published on task channels by event type.",
			ConstLabels: constLabels,
		},
		[]string{"event"},
	)
	stopRequests := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "channel",
			Name:        "stop_requests_total",
			Help:        "Stop flags written for running tasks.",
			ConstLabels: constLabels,
		},
	)
	billedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "billing",
			Name:        "price_total",
			Help:        "Sum of finalized message prices by currency.",
			ConstLabels: constLabels,
		},
		[]string{"currency"},
	)
	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "llm",
			Name:        "tokens_total",
			Help:        "Billed token usage by direction and model.",
			ConstLabels: constLabels,
		},
		[]string{"direction", "model"},
	)
	queueLag := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "queue_lag_seconds",
			Help:        "Delay between job submission and processing start.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			ConstLabels: constLabels,
		},
	)

	registry.MustRegister(tasksTotal, taskDuration, tasksInFlight, eventsPublished, stopRequests, billedTotal, tokensTotal, queueLag)

	return &TaskMetrics{
		service:         service,
		tasksTotal:      tasksTotal,
		taskDuration:    taskDuration,
		tasksInFlight:   tasksInFlight,
		eventsPublished: eventsPublished,
		stopRequests:    stopRequests,
		billedTotal:     billedTotal,
		tokensTotal:     tokensTotal,
		queueLag:        queueLag,
	}
}

func (m *TaskMetrics) TaskStarted() {
	m.tasksInFlight.Inc()
}

func (m *TaskMetrics) TaskFinished(status string, duration time.Duration) {
	m.tasksInFlight.Dec()
	if status == "" {
		status = "unknown"
	}
	m.tasksTotal.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *TaskMetrics) EventPublished(kind domain.EventKind) {
	m.eventsPublished.WithLabelValues(string(kind)).Inc()
}

func (m *TaskMetrics) StopRequested() {
	m.stopRequests.Inc()
}

func (m *TaskMetrics) Billed(currency, model string, promptTokens, completionTokens int, total decimal.Decimal) {
	if model == "" {
		model = "unknown"
	}
	if promptTokens > 0 {
		m.tokensTotal.WithLabelValues("in", model).Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.tokensTotal.WithLabelValues("out", model).Add(float64(completionTokens))
	}
	if total.IsPositive() {
		m.billedTotal.WithLabelValues(currency).Add(total.InexactFloat64())
	}
}

func (m *TaskMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.Observe(lag.Seconds())
}
