package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// Health states.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// HealthChecker aggregates readiness of the gateway's dependencies
// (storage, backends, catalog, audit queue).
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []HealthCheck
	started time.Time
	logger  *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status  string                 `json:"status"` // "ok" or "degraded"
	UptimeS int64                  `json:"uptime_s,omitempty"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status     string `json:"status"`            // "ok" or "fail"
	Message    string `json:"message,omitempty"` // Error message on failure.
	DurationMS int64  `json:"duration_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{started: time.Now(), logger: logger}
}

// AddCheck registers a named readiness check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth returns liveness status. Always "ok" while the process runs.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK, UptimeS: int64(time.Since(h.started).Seconds())}
}

// CheckReady runs all registered checks concurrently and returns aggregate
// readiness: "ok" only if every check passes within the timeout.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()
	if len(checks) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	errs := make([]error, len(checks))
	took := make([]time.Duration, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			errs[i] = c.Check(checkCtx)
			took[i] = time.Since(start)
		}()
	}
	wg.Wait()

	status := HealthStatus{
		Status: StatusOK,
		Checks: make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		ms := took[i].Milliseconds()
		if err := errs[i]; err != nil {
			status.Status = StatusDegraded
			status.Checks[c.Name] = CheckResult{Status: StatusFail, Message: err.Error(), DurationMS: ms}
			h.logger.Warn("readiness check failed",
				slog.String("check", c.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		status.Checks[c.Name] = CheckResult{Status: StatusOK, DurationMS: ms}
	}
	return status
}
