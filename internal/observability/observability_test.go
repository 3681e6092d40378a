package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/sandbox"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Errorf("features enabled without config: %+v", obs)
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5},
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics == nil || obs.Anomaly == nil {
		t.Fatalf("obs = %+v", obs)
	}
	if obs.Tracer != nil || obs.TracerOrNil() != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if got := obs.Features(); len(got) != 2 || got[0] != "metrics" || got[1] != "anomaly" {
		t.Errorf("Features() = %v", got)
	}
	if (*TracerSetup)(nil).Tracer() == nil {
		t.Error("nil TracerSetup should yield a no-op tracer")
	}
}

func TestObservability_NilReceiver(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
	obs.Dispatch().RequestHandled("ping", "ok", time.Millisecond)
	obs.Dispatch().BackendCall("code", "ok", time.Millisecond)
}

// --- MetricsCollector ---

func TestMetricsCollector_RecordAndGather(t *testing.T) {
	m := NewMetricsCollector()
	m.RequestHandled("tools/call", "ok", 10*time.Millisecond)
	m.RequestHandled("tools/call", "ok", 20*time.Millisecond)
	m.RequestHandled("tools/call", "denied", time.Millisecond)
	m.BackendCall("code", "timeout", time.Second)
	m.SandboxJob("runtime_error", time.Millisecond)
	m.AuditWritten(3)
	m.AuditDropped()
	m.AuditWriteFailed(2)
	m.CatalogReloaded(true)
	m.CatalogReloaded(false)

	tests := []struct {
		name   string
		labels prometheus.Labels
		want   float64
	}{
		{"ngome_gateway_requests_total", prometheus.Labels{"method": "tools/call", "status": "ok"}, 2},
		{"ngome_gateway_requests_total", prometheus.Labels{"method": "tools/call", "status": "denied"}, 1},
		{"ngome_backend_calls_total", prometheus.Labels{"tool_set": "code", "outcome": "timeout"}, 1},
		{"ngome_sandbox_jobs_total", prometheus.Labels{"status": "runtime_error"}, 1},
		{"ngome_audit_written_total", nil, 3},
		{"ngome_audit_dropped_total", nil, 1},
		{"ngome_audit_write_failures_total", nil, 2},
		{"ngome_catalog_reloads_total", prometheus.Labels{"result": "success"}, 1},
		{"ngome_catalog_reloads_total", prometheus.Labels{"result": "error"}, 1},
	}
	for _, tc := range tests {
		if got := counterValue(t, m.Registry, tc.name, tc.labels); got != tc.want {
			t.Errorf("%s%v = %v, want %v", tc.name, tc.labels, got, tc.want)
		}
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.RequestHandled("ping", "ok", 0)
	m.BackendCall("x", "ok", 0)
	m.SandboxJob("ok", 0)
	m.AuditDropped()
	m.AuditWritten(1)
	m.AuditWriteFailed(1)
	m.CatalogReloaded(true)
	m.ConnectionOpened()
	m.ConnectionClosed()
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != StatusOK {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("storage", func(ctx context.Context) error { return nil })
	h.AddCheck("backends", func(ctx context.Context) error { return errors.New("connection refused") })

	status := h.CheckReady(context.Background())
	if status.Status != StatusDegraded {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["storage"].Status != StatusOK {
		t.Errorf("storage = %+v", status.Checks["storage"])
	}
	if c := status.Checks["backends"]; c.Status != StatusFail || c.Message != "connection refused" {
		t.Errorf("backends = %+v", c)
	}
}

func TestHealthChecker_Timeout(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if status := h.CheckReady(ctx); status.Status != StatusDegraded {
		t.Errorf("status = %q, want degraded", status.Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("failing", func(ctx context.Context) error { return errors.New("down") })
	if status := h.CheckHealth(); status.Status != StatusOK {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	// All methods should be no-ops on nil receiver.
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if a.Alarmed("test") {
		t.Error("nil detector alarmed")
	}
}

func TestAnomalyDetector_ErrorRateThreshold(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	// 6 errors, 4 successes = 60% error rate > 50%.
	for range 4 {
		a.RecordSuccess("backend:code")
	}
	for range 6 {
		a.RecordError("backend:code")
	}
	if !a.Alarmed("backend:code") {
		t.Fatal("expected alarm at 60% errors")
	}
	if a.Alarmed("backend:other") {
		t.Error("unrelated operation alarmed")
	}

	// Errors age out of the window; fresh successes clear the alarm.
	now = now.Add(2 * time.Minute)
	for range 5 {
		a.RecordSuccess("backend:code")
	}
	if a.Alarmed("backend:code") {
		t.Error("alarm did not clear after recovery")
	}
}

func TestAnomalyDetector_MinSamples(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.1, MinSamples: 10}, nil)
	for range 9 {
		a.RecordError("op")
	}
	if a.Alarmed("op") {
		t.Error("alarm raised below minimum sample count")
	}
	a.RecordError("op")
	if !a.Alarmed("op") {
		t.Error("alarm not raised at minimum sample count")
	}
}

// --- InstrumentedRunner ---

type fakeRunner struct {
	result *sandbox.Result
	err    error
	calls  int
}

func (f *fakeRunner) Execute(ctx context.Context, job sandbox.Job) (*sandbox.Result, error) {
	f.calls++
	return f.result, f.err
}

func TestInstrumentedRunner(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &fakeRunner{result: &sandbox.Result{Status: sandbox.StatusTimeout}}
	r := NewInstrumentedRunner(inner, metrics, nil, nil)

	res, err := r.Execute(context.Background(), sandbox.Job{Code: "x = 1"})
	if err != nil || res.Status != sandbox.StatusTimeout {
		t.Fatalf("Execute = %+v, %v", res, err)
	}
	inner.result, inner.err = nil, errors.New("boom")
	if _, err := r.Execute(context.Background(), sandbox.Job{}); err == nil {
		t.Fatal("error swallowed")
	}

	if inner.calls != 2 {
		t.Errorf("inner calls = %d", inner.calls)
	}
	if got := counterValue(t, metrics.Registry, "ngome_sandbox_jobs_total", prometheus.Labels{"status": "timeout"}); got != 1 {
		t.Errorf("timeout jobs = %v", got)
	}
	if got := counterValue(t, metrics.Registry, "ngome_sandbox_jobs_total", prometheus.Labels{"status": "error"}); got != 1 {
		t.Errorf("error jobs = %v", got)
	}
}

func TestInstrumentedRunner_NilMetrics(t *testing.T) {
	r := NewInstrumentedRunner(&fakeRunner{result: &sandbox.Result{Status: sandbox.StatusOK}}, nil, nil, nil)
	if _, err := r.Execute(context.Background(), sandbox.Job{}); err != nil {
		t.Fatal(err)
	}
}

// --- DispatchRecorder ---

func TestDispatchRecorder_OnlyInfrastructureFailuresAlarm(t *testing.T) {
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.5, MinSamples: 2}, nil)
	d := NewDispatchRecorder(NewMetricsCollector(), anomaly)

	d.BackendCall("code", "runtime_error", time.Millisecond)
	d.BackendCall("code", "invalid_arguments", time.Millisecond)
	if anomaly.Alarmed("backend:code") {
		t.Error("caller errors raised an alarm")
	}

	d.BackendCall("remote", "backend_unavailable", time.Millisecond)
	d.BackendCall("remote", "backend_unavailable", time.Millisecond)
	if !anomaly.Alarmed("backend:remote") {
		t.Error("unavailable backend did not raise an alarm")
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest("POST", "/mcp", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}

	val := counterValue(t, metrics.Registry, "ngome_http_requests_total", prometheus.Labels{"method": "POST", "path": "/mcp", "status_code": "202"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	// Should not panic with nil metrics.
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHTTPMetricsMiddleware_JoinsIncomingTrace(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	handler := HTTPMetricsMiddleware(nil, tp.Tracer("test"), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if got := span.SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s, want the caller's", got)
	}
	if got := span.Parent().SpanID().String(); got != "00f067aa0ba902b7" {
		t.Errorf("parent span = %s", got)
	}
	if span.Status().Code != codes.Error {
		t.Errorf("status = %v, want error for 502", span.Status())
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
