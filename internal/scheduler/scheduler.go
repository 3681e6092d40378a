// Package scheduler runs the gateway's periodic maintenance jobs: catalog
// reload, key set refresh, audit retention and rate limiter pruning.
//
// Jobs never overlap with themselves: a tick that finds the previous run of
// the same job still active is skipped and counted.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnknownJob is returned by RunNow for an unregistered job name.
var ErrUnknownJob = errors.New("unknown job")

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Schedule string // Five-field cron expression, evaluated in UTC.
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type entry struct {
	job     Job
	running atomic.Bool
}

// Scheduler fires registered jobs on their cron schedules.
type Scheduler struct {
	parser  cron.Parser
	cron    *cron.Cron
	metrics *Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// New creates a Scheduler. metrics may be nil.
func New(metrics *Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		parser:  parser,
		cron:    cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		metrics: metrics,
		logger:  logger,
		entries: make(map[string]*entry),
		ctx:     context.Background(),
	}
}

// Add registers a job. A job with an empty schedule is ignored so callers
// can pass optional config through unconditionally.
func (s *Scheduler) Add(job Job) error {
	if job.Schedule == "" {
		return nil
	}
	if job.Name == "" || job.Run == nil {
		return errors.New("job name and run function are required")
	}
	sched, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: invalid cron expression %q: %w", job.Name, job.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.Name]; ok {
		return fmt.Errorf("job %s is already registered", job.Name)
	}
	e := &entry{job: job}
	s.entries[job.Name] = e
	s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(s.baseContext(), e) }))

	s.logger.Debug("scheduled job",
		slog.String("job", job.Name),
		slog.String("schedule", job.Schedule),
	)
	return nil
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start begins firing jobs. Returns a cancel function that stops the
// scheduler and waits for running jobs to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	n := len(s.entries)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", slog.Int("jobs", n))

	return func() {
		cancel()
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	}
}

// RunNow fires a job immediately, subject to the same overlap guard as
// scheduled runs.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.fire(ctx, e)
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) fire(ctx context.Context, e *entry) error {
	name := e.job.Name
	if !e.running.CompareAndSwap(false, true) {
		s.logger.Warn("job still running, skipping tick", slog.String("job", name))
		s.metrics.skipped(name)
		return nil
	}
	defer e.running.Store(false)

	if e.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.job.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := e.job.Run(ctx)
	duration := time.Since(start)
	s.metrics.observe(name, err, duration)

	if err != nil {
		s.logger.ErrorContext(ctx, "job failed",
			slog.String("job", name),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.logger.DebugContext(ctx, "job completed",
		slog.String("job", name),
		slog.Duration("duration", duration),
	)
	return nil
}

// ValidateSchedule reports whether expr is a valid five-field cron
// expression. An empty expression is valid and means "never".
func ValidateSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// ComputeNextRunFrom computes the next run time from a given reference time.
func ComputeNextRunFrom(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}
