package lease

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the lease poller.
type Metrics struct {
	TasksFired     prometheus.Counter
	TasksSucceeded prometheus.Counter
	TasksFailed    prometheus.Counter
	TasksDropped   prometheus.Counter
	TasksPending   prometheus.Gauge
	TickDuration   prometheus.Histogram
}

// NewMetrics creates and registers lease poller metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		TasksFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "lease",
			Name:      "tasks_fired_total",
			Help:      "Total lease tasks claimed and dispatched.",
		}),
		TasksSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "lease",
			Name:      "tasks_succeeded_total",
			Help:      "Total lease task dispatches that succeeded.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "lease",
			Name:      "tasks_failed_total",
			Help:      "Total lease task dispatches that failed.",
		}),
		TasksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "lease",
			Name:      "tasks_dropped_total",
			Help:      "Total lease tasks dropped after exhausting their single retry.",
		}),
		TasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "lease",
			Name:      "tasks_pending",
			Help:      "Lease tasks currently armed in the queue.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "lease",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each poller tick (claim + dispatch cycle).",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}

	reg.MustRegister(
		m.TasksFired,
		m.TasksSucceeded,
		m.TasksFailed,
		m.TasksDropped,
		m.TasksPending,
		m.TickDuration,
	)

	return m
}
