// Package metrics exposes Prometheus instrumentation for sync runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	runsTotal      *prometheus.CounterVec
	itemOpsTotal   *prometheus.CounterVec
	itemErrsTotal  *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	runsInProgress prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// production; tests use a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kommosync_runs_total",
			Help: "Sync runs by final status.",
		}, []string{"status"}),
		itemOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kommosync_item_operations_total",
			Help: "Converged items by kind and operation.",
		}, []string{"kind", "operation"}),
		itemErrsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kommosync_item_errors_total",
			Help: "Item-level errors by kind.",
		}, []string{"kind"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kommosync_run_duration_seconds",
			Help:    "Wall time of sync runs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"status"}),
		runsInProgress: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kommosync_runs_in_progress",
			Help: "Currently running syncs.",
		}),
	}
}

// RunStarted marks a run as in flight.
func (m *Metrics) RunStarted() {
	m.runsInProgress.Inc()
}

// RunFinished records the outcome and duration of a run.
func (m *Metrics) RunFinished(status string, d time.Duration) {
	m.runsInProgress.Dec()
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ItemOp counts one converged item.
func (m *Metrics) ItemOp(kind, operation string, n int) {
	if n > 0 {
		m.itemOpsTotal.WithLabelValues(kind, operation).Add(float64(n))
	}
}

// ItemError counts one item-level error.
func (m *Metrics) ItemError(kind string) {
	m.itemErrsTotal.WithLabelValues(kind).Inc()
}
