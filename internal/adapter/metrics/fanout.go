package metrics

import "github.com/prometheus/client_golang/prometheus"

// FanoutMetrics holds Prometheus metrics for per-tenant notification fan-out.
type FanoutMetrics struct {
	OutcomesTotal *prometheus.CounterVec
	Duration      prometheus.Histogram
}

func NewFanoutMetrics(reg prometheus.Registerer) *FanoutMetrics {
	m := &FanoutMetrics{
		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "tenant_outcomes_total",
			Help:      "Total number of per-tenant fan-out outcomes (delivered, filtered, no_config, failed).",
		}, []string{"outcome"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "duration_seconds",
			Help:      "Duration of a full stream.online fan-out in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}

	reg.MustRegister(m.OutcomesTotal, m.Duration)
	return m
}
