package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for maintenance tasks.
type Metrics struct {
	Runs      *prometheus.CounterVec
	Reclaimed *prometheus.CounterVec
	Skipped   *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "scheduler",
			Name:      "task_runs_total",
			Help:      "Total maintenance task runs by outcome.",
		}, []string{"task", "result"}),
		Reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "scheduler",
			Name:      "reclaimed_total",
			Help:      "Items reclaimed by maintenance tasks (sandboxes, history entries, archive rows).",
		}, []string{"task"}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "scheduler",
			Name:      "skipped_total",
			Help:      "Slots skipped because the previous run was still in progress.",
		}, []string{"task"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runbox",
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Duration of each maintenance task run.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"task"}),
	}

	reg.MustRegister(m.Runs, m.Reclaimed, m.Skipped, m.Duration)
	return m
}
