package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestAddValidation(t *testing.T) {
	s := New(nil, nil)
	noop := func(context.Context) error { return nil }

	if err := s.Add(Job{Name: "disabled", Run: noop}); err != nil {
		t.Errorf("empty schedule: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("job with empty schedule was registered")
	}

	if err := s.Add(Job{Name: "bad", Schedule: "every minute", Run: noop}); err == nil {
		t.Error("invalid schedule accepted")
	}
	if err := s.Add(Job{Schedule: "* * * * *", Run: noop}); err == nil {
		t.Error("unnamed job accepted")
	}
	if err := s.Add(Job{Name: "a", Schedule: "* * * * *", Run: noop}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(Job{Name: "a", Schedule: "*/5 * * * *", Run: noop}); err == nil {
		t.Error("duplicate job accepted")
	}
}

func TestRunNow(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(NewMetrics(reg), nil)

	var runs atomic.Int32
	fail := errors.New("boom")
	if err := s.Add(Job{Name: "ok", Schedule: "0 0 1 1 *", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(Job{Name: "broken", Schedule: "0 0 1 1 *", Run: func(context.Context) error {
		return fail
	}}); err != nil {
		t.Fatal(err)
	}

	if err := s.RunNow(context.Background(), "ok"); err != nil {
		t.Errorf("RunNow(ok): %v", err)
	}
	if err := s.RunNow(context.Background(), "broken"); !errors.Is(err, fail) {
		t.Errorf("RunNow(broken) = %v", err)
	}
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("RunNow(missing) = %v", err)
	}
	if runs.Load() != 1 {
		t.Errorf("runs = %d", runs.Load())
	}

	if got := counterValue(t, reg, "ngome_scheduler_jobs_fired_total", "broken"); got != 1 {
		t.Errorf("fired(broken) = %v", got)
	}
	if got := counterValue(t, reg, "ngome_scheduler_jobs_failed_total", "broken"); got != 1 {
		t.Errorf("failed(broken) = %v", got)
	}
	if got := counterValue(t, reg, "ngome_scheduler_jobs_failed_total", "ok"); got != 0 {
		t.Errorf("failed(ok) = %v", got)
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(NewMetrics(reg), nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	if err := s.Add(Job{Name: "slow", Schedule: "0 0 1 1 *", Run: func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-started

	if err := s.RunNow(context.Background(), "slow"); err != nil {
		t.Errorf("skipped run returned %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
	if got := counterValue(t, reg, "ngome_scheduler_jobs_skipped_total", "slow"); got != 1 {
		t.Errorf("skipped = %v", got)
	}
}

func TestJobTimeout(t *testing.T) {
	s := New(nil, nil)
	if err := s.Add(Job{Name: "t", Schedule: "0 0 1 1 *", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow(context.Background(), "t"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestStartAndStop(t *testing.T) {
	s := New(nil, nil)
	if err := s.Add(Job{Name: "a", Schedule: "* * * * *", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatal(err)
	}
	stop := s.Start(context.Background())

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
}

type fakePruner struct {
	cutoff time.Time
	n      int64
	err    error
}

func (f *fakePruner) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.n, f.err
}

func TestAuditRetention(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	p := &fakePruner{n: 42}
	job := auditRetention("0 3 * * *", p, 30*24*time.Hour, func() time.Time { return now }, nil)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := now.Add(-30 * 24 * time.Hour); !p.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", p.cutoff, want)
	}

	p.err = errors.New("db down")
	if err := job.Run(context.Background()); err == nil {
		t.Error("error swallowed")
	}

	if j := AuditRetention("0 3 * * *", p, 0, nil); j.Schedule != "" {
		t.Errorf("zero retention should disable the job, schedule = %q", j.Schedule)
	}
}

type idleCounter struct{ idle time.Duration }

func (c *idleCounter) Prune(idle time.Duration) int {
	c.idle = idle
	return 3
}

type reloadFunc func(context.Context) error

func (f reloadFunc) Reload(ctx context.Context) error  { return f(ctx) }
func (f reloadFunc) Refresh(ctx context.Context) error { return f(ctx) }

func TestMaintenanceJobs(t *testing.T) {
	var reloads, refreshes int
	c := &idleCounter{}
	s := New(nil, nil)
	jobs := []Job{
		CatalogReload("*/5 * * * *", reloadFunc(func(context.Context) error { reloads++; return nil })),
		KeySetRefresh("*/15 * * * *", reloadFunc(func(context.Context) error { refreshes++; return nil })),
		RateLimitPrune("*/10 * * * *", c, time.Hour),
	}
	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			t.Fatalf("Add(%s): %v", j.Name, err)
		}
	}
	for _, name := range []string{JobCatalogReload, JobKeySetRefresh, JobRateLimitPrune} {
		if err := s.RunNow(context.Background(), name); err != nil {
			t.Errorf("RunNow(%s): %v", name, err)
		}
	}
	if reloads != 1 || refreshes != 1 || c.idle != time.Hour {
		t.Errorf("reloads=%d refreshes=%d idle=%v", reloads, refreshes, c.idle)
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, expr := range []string{"", "* * * * *", "0 3 * * 1-5", "*/15 * * * *"} {
		if err := ValidateSchedule(expr); err != nil {
			t.Errorf("ValidateSchedule(%q) = %v", expr, err)
		}
	}
	for _, expr := range []string{"* * * *", "61 * * * *", "@every"} {
		if err := ValidateSchedule(expr); err == nil {
			t.Errorf("ValidateSchedule(%q) accepted", expr)
		}
	}
}

func TestComputeNextRunFrom(t *testing.T) {
	from := time.Date(2026, 1, 1, 2, 30, 0, 0, time.UTC)
	next, err := ComputeNextRunFrom("0 3 * * *", from)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, job string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if labelValue(m.GetLabel(), "job") == job {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelValue(pairs []*dto.LabelPair, name string) string {
	for _, p := range pairs {
		if p.GetName() == name {
			return p.GetValue()
		}
	}
	return ""
}
