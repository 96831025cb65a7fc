package metrics

import "github.com/prometheus/client_golang/prometheus"

// breakerStates maps breaker state names onto gauge values.
var breakerStates = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

// ResilienceMetrics observes retries and breaker transitions of calls to the
// model provider and the transport.
type ResilienceMetrics struct {
	retries      *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
}

func NewResilienceMetrics(service string, registry prometheus.Registerer) *ResilienceMetrics {
	constLabels := prometheus.Labels{"service": service}

	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "resilience",
			Name:        "retries_total",
			Help:        "Retries scheduled by operation.",
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "resilience",
			Name:        "breaker_state",
			Help:        "Circuit breaker state by operation (0 closed, 1 half-open, 2 open).",
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)

	registry.MustRegister(retries, breakerState)
	return &ResilienceMetrics{retries: retries, breakerState: breakerState}
}

func (m *ResilienceMetrics) RetryScheduled(operation string) {
	m.retries.WithLabelValues(operation).Inc()
}

func (m *ResilienceMetrics) BreakerStateChanged(operation, state string) {
	value, ok := breakerStates[state]
	if !ok {
		return
	}
	m.breakerState.WithLabelValues(operation).Set(value)
}
