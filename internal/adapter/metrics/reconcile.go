package metrics

import "github.com/prometheus/client_golang/prometheus"

// ReconcileMetrics holds Prometheus metrics for the upstream subscription reconciler.
type ReconcileMetrics struct {
	RunsTotal    *prometheus.CounterVec
	ActionsTotal *prometheus.CounterVec
}

func NewReconcileMetrics(reg prometheus.Registerer) *ReconcileMetrics {
	m := &ReconcileMetrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "runs_total",
			Help:      "Total number of reconcile runs, by result (ok, skipped, error).",
		}, []string{"result"}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "actions_total",
			Help:      "Total number of repairs, by action (deleted_orphan, deleted_duplicate, deleted_stale, recreated).",
		}, []string{"action"}),
	}

	reg.MustRegister(m.RunsTotal, m.ActionsTotal)
	return m
}
