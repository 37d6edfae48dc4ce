package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer, in which case nothing is
// recorded.
type Metrics struct {
	requested  *prometheus.CounterVec
	completed  *prometheus.CounterVec
	drains     *prometheus.CounterVec
	lockEvents *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	queueDepth prometheus.Gauge
	dropped    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasksync",
			Name:      "jobs_requested_total",
			Help:      "Sync jobs accepted, by action.",
		}, []string{"action"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasksync",
			Name:      "jobs_completed_total",
			Help:      "Sync jobs that reached a terminal state, by action and status.",
		}, []string{"action", "status"}),
		drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasksync",
			Name:      "drains_total",
			Help:      "Drain attempts, by outcome.",
		}, []string{"outcome"}),
		lockEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasksync",
			Name:      "lock_events_total",
			Help:      "Lock contention and loss events.",
		}, []string{"event"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tasksync",
			Name:      "job_duration_seconds",
			Help:      "Time from processing start to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"action"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tasksync",
			Name:      "queue_depth",
			Help:      "Queued jobs across sync-keys tracked by this process, as of the last sweep.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tasksync",
			Name:      "merge_dropped_records_total",
			Help:      "Malformed records dropped during merges.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requested, m.completed, m.drains, m.lockEvents, m.duration, m.queueDepth, m.dropped)
	}
	return m
}

func (m *Metrics) jobRequested(action string) {
	if m == nil {
		return
	}
	m.requested.WithLabelValues(action).Inc()
}

func (m *Metrics) jobCompleted(action, status string, seconds float64) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(action, status).Inc()
	m.duration.WithLabelValues(action).Observe(seconds)
}

func (m *Metrics) drain(outcome string) {
	if m == nil {
		return
	}
	m.drains.WithLabelValues(outcome).Inc()
}

func (m *Metrics) lockEvent(event string) {
	if m == nil {
		return
	}
	m.lockEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) setQueueDepth(depth int64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) droppedRecords(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dropped.Add(float64(n))
}
