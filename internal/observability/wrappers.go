package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/tools"
)

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a sandbox.Runner with metrics, tracing and
// anomaly detection.
type InstrumentedRunner struct {
	inner   sandbox.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedRunner wraps a runner with observability. Any of metrics,
// ts and anomaly may be nil.
func NewInstrumentedRunner(inner sandbox.Runner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (r *InstrumentedRunner) Execute(ctx context.Context, job sandbox.Job) (*sandbox.Result, error) {
	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("ngome.tenant", job.Caller.Tenant),
				attribute.String("ngome.sandbox", job.Caller.Sandbox),
				attribute.Int("sandbox.code_bytes", len(job.Code)),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := r.inner.Execute(ctx, job)
	duration := time.Since(start)

	status := "error"
	switch {
	case err != nil:
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case result != nil:
		status = string(result.Status)
		if span != nil {
			span.SetAttributes(attribute.String("sandbox.status", status))
			if result.Status.Failed() {
				span.SetStatus(codes.Error, status)
			}
		}
	}

	r.metrics.SandboxJob(status, duration)
	if err != nil || (result != nil && result.Status.Failed()) {
		r.anomaly.RecordError("sandbox")
	} else {
		r.anomaly.RecordSuccess("sandbox")
	}
	return result, err
}

// --- DispatchRecorder ---

// DispatchRecorder receives gateway dispatch outcomes and feeds them to the
// metrics collector and the anomaly detector.
type DispatchRecorder struct {
	metrics *MetricsCollector
	anomaly *AnomalyDetector
}

// NewDispatchRecorder creates a recorder. Either argument may be nil.
func NewDispatchRecorder(metrics *MetricsCollector, anomaly *AnomalyDetector) *DispatchRecorder {
	return &DispatchRecorder{metrics: metrics, anomaly: anomaly}
}

func (d *DispatchRecorder) RequestHandled(method, status string, dur time.Duration) {
	d.metrics.RequestHandled(method, status, dur)
}

// BackendCall records a backend call. Only infrastructure failures count
// against the tool set's error rate; caller mistakes do not.
func (d *DispatchRecorder) BackendCall(toolSet, outcome string, dur time.Duration) {
	d.metrics.BackendCall(toolSet, outcome, dur)
	switch tools.Kind(outcome) {
	case tools.KindBackendUnavailable, tools.KindBackendError, tools.KindTimeout:
		d.anomaly.RecordError("backend:" + toolSet)
	default:
		d.anomaly.RecordSuccess("backend:" + toolSet)
	}
}

// --- Compile-time interface checks ---

var _ sandbox.Runner = (*InstrumentedRunner)(nil)
