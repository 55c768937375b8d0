package metrics

import "github.com/prometheus/client_golang/prometheus"

// BreakerMetrics tracks circuit breaker state for Redis and the event sender.
type BreakerMetrics struct {
	State        *prometheus.GaugeVec
	StateChanges *prometheus.CounterVec
}

func NewBreakerMetrics(reg prometheus.Registerer) *BreakerMetrics {
	m := &BreakerMetrics{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Current circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"component"}),
		StateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state_changes_total",
			Help:      "Total number of circuit breaker state transitions.",
		}, []string{"component", "to_state"}),
	}

	reg.MustRegister(m.State, m.StateChanges)
	return m
}

const (
	BreakerClosed   = 0.0
	BreakerHalfOpen = 1.0
	BreakerOpen     = 2.0
)

// Record stores a transition for component.
func (m *BreakerMetrics) Record(component, toState string, value float64) {
	m.StateChanges.WithLabelValues(component, toState).Inc()
	m.State.WithLabelValues(component).Set(value)
}
