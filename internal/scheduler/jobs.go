package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Job names.
const (
	JobCatalogReload  = "catalog-reload"
	JobKeySetRefresh  = "keyset-refresh"
	JobAuditRetention = "audit-retention"
	JobRateLimitPrune = "ratelimit-prune"
)

// Reloader re-reads a configuration source. *catalog.Catalog implements it.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Refresher re-fetches remote key material. *identity.KeySet implements it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// AuditPruner deletes audit records older than a cutoff.
// *storage.AuditRepository implements it.
type AuditPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// IdlePruner drops state idle for longer than a duration.
// *ratelimit.Limiter implements it.
type IdlePruner interface {
	Prune(idle time.Duration) int
}

// CatalogReload returns the periodic catalog reload job. A failed reload
// keeps the previous table active.
func CatalogReload(schedule string, r Reloader) Job {
	return Job{
		Name:     JobCatalogReload,
		Schedule: schedule,
		Timeout:  time.Minute,
		Run:      r.Reload,
	}
}

// KeySetRefresh returns the periodic token key set refresh job.
func KeySetRefresh(schedule string, r Refresher) Job {
	return Job{
		Name:     JobKeySetRefresh,
		Schedule: schedule,
		Timeout:  30 * time.Second,
		Run:      r.Refresh,
	}
}

// AuditRetention returns a job deleting audit records older than retention.
func AuditRetention(schedule string, p AuditPruner, retention time.Duration, logger *slog.Logger) Job {
	return auditRetention(schedule, p, retention, time.Now, logger)
}

func auditRetention(schedule string, p AuditPruner, retention time.Duration, now func() time.Time, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		schedule = ""
	}
	return Job{
		Name:     JobAuditRetention,
		Schedule: schedule,
		Timeout:  10 * time.Minute,
		Run: func(ctx context.Context) error {
			cutoff := now().UTC().Add(-retention)
			n, err := p.DeleteBefore(ctx, cutoff)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.InfoContext(ctx, "audit records pruned",
					slog.Int64("deleted", n),
					slog.Time("cutoff", cutoff),
				)
			}
			return nil
		},
	}
}

// RateLimitPrune returns a job dropping limiter buckets idle for longer
// than idle.
func RateLimitPrune(schedule string, p IdlePruner, idle time.Duration) Job {
	return Job{
		Name:     JobRateLimitPrune,
		Schedule: schedule,
		Run: func(context.Context) error {
			p.Prune(idle)
			return nil
		},
	}
}
