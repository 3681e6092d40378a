package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for ngome.
// Uses a custom registry, no global state. Recording methods are nil-safe.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Dispatch metrics.
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Backend metrics.
	BackendCallsTotal   *prometheus.CounterVec
	BackendCallDuration *prometheus.HistogramVec

	// Sandbox metrics.
	SandboxJobsTotal   *prometheus.CounterVec
	SandboxJobDuration *prometheus.HistogramVec

	// Audit metrics.
	AuditWrittenTotal      prometheus.Counter
	AuditDroppedTotal      prometheus.Counter
	AuditWriteFailureTotal prometheus.Counter

	// Catalog metrics.
	CatalogReloadsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests    prometheus.Gauge
	ActiveConnections prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total protocol messages handled.",
		}, []string{"method", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Protocol message handling duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		BackendCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "backend",
			Name:      "calls_total",
			Help:      "Total tool calls forwarded to backends.",
		}, []string{"tool_set", "outcome"}),

		BackendCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "backend",
			Name:      "call_duration_seconds",
			Help:      "Backend tool call duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_set"}),

		SandboxJobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "jobs_total",
			Help:      "Total sandbox jobs by outcome.",
		}, []string{"status"}),

		SandboxJobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "job_duration_seconds",
			Help:      "Sandbox job duration in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"status"}),

		AuditWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "audit",
			Name:      "written_total",
			Help:      "Audit records persisted by the sink.",
		}),

		AuditDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "audit",
			Name:      "dropped_total",
			Help:      "Audit records dropped because the queue stayed full or was closed.",
		}),

		AuditWriteFailureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "audit",
			Name:      "write_failures_total",
			Help:      "Audit records lost after the sink exhausted its retries.",
		}),

		CatalogReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "catalog",
			Name:      "reloads_total",
			Help:      "Catalog reload attempts by result.",
		}, []string{"result"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ngome",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),

		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ngome",
			Name:      "active_websocket_connections",
			Help:      "Number of open WebSocket sessions.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.BackendCallsTotal,
		m.BackendCallDuration,
		m.SandboxJobsTotal,
		m.SandboxJobDuration,
		m.AuditWrittenTotal,
		m.AuditDroppedTotal,
		m.AuditWriteFailureTotal,
		m.CatalogReloadsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		m.ActiveConnections,
	)

	return m
}

// RequestHandled records one dispatched protocol message.
func (m *MetricsCollector) RequestHandled(method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// BackendCall records one backend tool call. outcome is "ok", a sandbox
// status or a failure kind.
func (m *MetricsCollector) BackendCall(toolSet, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.BackendCallsTotal.WithLabelValues(toolSet, outcome).Inc()
	m.BackendCallDuration.WithLabelValues(toolSet).Observe(d.Seconds())
}

// SandboxJob records one finished sandbox job.
func (m *MetricsCollector) SandboxJob(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SandboxJobsTotal.WithLabelValues(status).Inc()
	m.SandboxJobDuration.WithLabelValues(status).Observe(d.Seconds())
}

// AuditDropped counts one dropped audit record.
func (m *MetricsCollector) AuditDropped() {
	if m == nil {
		return
	}
	m.AuditDroppedTotal.Inc()
}

// AuditWritten counts n persisted audit records.
func (m *MetricsCollector) AuditWritten(n int) {
	if m == nil {
		return
	}
	m.AuditWrittenTotal.Add(float64(n))
}

// AuditWriteFailed counts n audit records lost to sink failures.
func (m *MetricsCollector) AuditWriteFailed(n int) {
	if m == nil {
		return
	}
	m.AuditWriteFailureTotal.Add(float64(n))
}

// CatalogReloaded counts one catalog reload attempt.
func (m *MetricsCollector) CatalogReloaded(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	m.CatalogReloadsTotal.WithLabelValues(result).Inc()
}

// ConnectionOpened and ConnectionClosed track open WebSocket sessions.
func (m *MetricsCollector) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *MetricsCollector) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}
