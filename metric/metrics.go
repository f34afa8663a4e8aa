package metric

import "github.com/prometheus/client_golang/prometheus"

// CoreMetrics holds the runtime-wide metrics shared by all component
// instances. Flow-level detail lives in the label sets; per-instance
// cardinality is deliberately avoided.
type CoreMetrics struct {
	// Run / serve path
	RunsTotal     *prometheus.CounterVec   // component, flow, status
	ServeDuration *prometheus.HistogramVec // component, flow
	CacheHits     *prometheus.CounterVec   // component, flow
	CacheMisses   *prometheus.CounterVec   // component, flow

	// Update path
	UpdatesProcessed *prometheus.CounterVec // component, flow
	UpdatesFailed    *prometheus.CounterVec // component, flow
	UpdatesDiscarded *prometheus.CounterVec // component, flow, policy
	UpdateDuration   *prometheus.HistogramVec
	QueueDepth       *prometheus.GaugeVec // component

	// Flush and locking
	FlushTimeouts *prometheus.CounterVec   // component, flow
	LockWait      *prometheus.HistogramVec // component
}

func newCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "motion_runs_total",
			Help: "Total flow runs by component, flow key, and status",
		}, []string{"component", "flow", "status"}),
		ServeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "motion_serve_duration_seconds",
			Help:    "Serve operation latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"component", "flow"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "motion_result_cache_hits_total",
			Help: "Serve result cache hits",
		}, []string{"component", "flow"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "motion_result_cache_misses_total",
			Help: "Serve result cache misses",
		}, []string{"component", "flow"}),
		UpdatesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "motion_updates_processed_total",
			Help: "Update jobs executed and merged into state",
		}, []string{"component", "flow"}),
		UpdatesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "motion_updates_failed_total",
			Help: "Update jobs that raised an error (state unchanged)",
		}, []string{"component", "flow"}),
		UpdatesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "motion_updates_discarded_total",
			Help: "Update jobs skipped by a discard policy",
		}, []string{"component", "flow", "policy"}),
		UpdateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "motion_update_duration_seconds",
			Help:    "Update operation execution and merge latency",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 60.0},
		}, []string{"component", "flow"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "motion_update_queue_depth",
			Help: "Pending update jobs per component",
		}, []string{"component"}),
		FlushTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "motion_flush_timeouts_total",
			Help: "Flush waits that hit their timeout",
		}, []string{"component", "flow"}),
		LockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "motion_lock_wait_seconds",
			Help:    "Time spent acquiring the per-instance execution lock",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 30.0},
		}, []string{"component"}),
	}
}

func (m *CoreMetrics) mustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		m.RunsTotal,
		m.ServeDuration,
		m.CacheHits,
		m.CacheMisses,
		m.UpdatesProcessed,
		m.UpdatesFailed,
		m.UpdatesDiscarded,
		m.UpdateDuration,
		m.QueueDepth,
		m.FlushTimeouts,
		m.LockWait,
	)
}
