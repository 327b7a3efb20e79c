package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the scheduler's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	executions   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	contention   *prometheus.CounterVec
	lockLost     *prometheus.CounterVec
	expiredLocks prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetcron",
			Name:      "executions_total",
			Help:      "Task executions by terminal status.",
		}, []string{"task", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fleetcron",
			Name:      "execution_duration_seconds",
			Help:      "Task execution duration.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"task"}),
		contention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetcron",
			Name:      "lock_contention_total",
			Help:      "Executions skipped because another instance held the task lock.",
		}, []string{"task"}),
		lockLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetcron",
			Name:      "lock_lost_total",
			Help:      "Heartbeats that found the task lock reassigned or deleted.",
		}, []string{"task"}),
		expiredLocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetcron",
			Name:      "expired_locks_removed_total",
			Help:      "Expired lock rows deleted by the cleanup sweep.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.executions, m.duration, m.contention, m.lockLost, m.expiredLocks)
	}
	return m
}

func (m *Metrics) observeExecution(task, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(task, status).Inc()
	m.duration.WithLabelValues(task).Observe(d.Seconds())
}

func (m *Metrics) observeContention(task string) {
	if m == nil {
		return
	}
	m.contention.WithLabelValues(task).Inc()
}

func (m *Metrics) observeLockLost(task string) {
	if m == nil {
		return
	}
	m.lockLost.WithLabelValues(task).Inc()
}

func (m *Metrics) observeExpired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expiredLocks.Add(float64(n))
}
