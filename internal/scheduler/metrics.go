package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for maintenance jobs.
type Metrics struct {
	JobsFired   *prometheus.CounterVec
	JobsFailed  *prometheus.CounterVec
	JobsSkipped *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	LastSuccess *prometheus.GaugeVec
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "scheduler",
			Name:      "jobs_fired_total",
			Help:      "Total maintenance job runs.",
		}, []string{"job"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "scheduler",
			Name:      "jobs_failed_total",
			Help:      "Total maintenance job runs that returned an error.",
		}, []string{"job"}),
		JobsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "scheduler",
			Name:      "jobs_skipped_total",
			Help:      "Ticks skipped because the previous run was still active.",
		}, []string{"job"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of each maintenance job run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
		}, []string{"job"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ngome",
			Subsystem: "scheduler",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}, []string{"job"}),
	}

	reg.MustRegister(
		m.JobsFired,
		m.JobsFailed,
		m.JobsSkipped,
		m.JobDuration,
		m.LastSuccess,
	)

	return m
}

func (m *Metrics) observe(job string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsFired.WithLabelValues(job).Inc()
	m.JobDuration.WithLabelValues(job).Observe(d.Seconds())
	if err != nil {
		m.JobsFailed.WithLabelValues(job).Inc()
		return
	}
	m.LastSuccess.WithLabelValues(job).SetToCurrentTime()
}

func (m *Metrics) skipped(job string) {
	if m == nil {
		return
	}
	m.JobsSkipped.WithLabelValues(job).Inc()
}
