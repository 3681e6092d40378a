// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// health checks and error-rate anomaly detection for ngome.
// Every recorder is nil-safe, so disabled features cost one nil check.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/config"
)

// Observability bundles the enabled components. Only Health is always set.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker

	logger *slog.Logger
}

// New builds the components enabled in cfg. A nil cfg enables none of them.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if logger == nil {
		logger = slog.Default()
	}
	obs := &Observability{Health: NewHealthChecker(logger), logger: logger}
	if cfg == nil {
		return obs, nil
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	return obs, nil
}

// Features lists the enabled optional components, for startup logs.
func (o *Observability) Features() []string {
	if o == nil {
		return nil
	}
	var out []string
	if o.Metrics != nil {
		out = append(out, "metrics")
	}
	if o.Tracer != nil {
		out = append(out, "tracing")
	}
	if o.Anomaly != nil {
		out = append(out, "anomaly")
	}
	return out
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil || o.Tracer == nil {
		return
	}
	if err := o.Tracer.Shutdown(ctx); err != nil {
		o.logger.Warn("flushing traces", slog.String("error", err.Error()))
	}
}

// TracerOrNil returns the tracer, or nil when tracing is disabled so
// callers can keep their own no-op default.
func (o *Observability) TracerOrNil() trace.Tracer {
	if o == nil || o.Tracer == nil {
		return nil
	}
	return o.Tracer.Tracer()
}

// Dispatch returns the recorder the gateway reports dispatch outcomes to.
func (o *Observability) Dispatch() *DispatchRecorder {
	if o == nil {
		return NewDispatchRecorder(nil, nil)
	}
	return NewDispatchRecorder(o.Metrics, o.Anomaly)
}
