package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebhookMetrics holds Prometheus metrics for EventSub webhook ingestion.
type WebhookMetrics struct {
	MessagesTotal    *prometheus.CounterVec
	BackgroundPanics prometheus.Counter
	InFlight         prometheus.Gauge
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	m := &WebhookMetrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "messages_total",
			Help:      "Total number of EventSub webhook messages, by message type and result.",
		}, []string{"message_type", "result"}),
		BackgroundPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "background_panics_total",
			Help:      "Total number of panics recovered in background notification processing.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "background_in_flight",
			Help:      "Number of acknowledged notifications still being processed.",
		}),
	}

	reg.MustRegister(m.MessagesTotal, m.BackgroundPanics, m.InFlight)
	return m
}
