package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/ngome/internal/audit"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
	insertBatchSize   = 100
)

// AuditRepository implements audit.Sink using GORM.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an audit repository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

var _ audit.Sink = (*AuditRepository)(nil)

// Write inserts records. Records already stored under the same ID are
// skipped, so a retried batch is not duplicated.
func (r *AuditRepository) Write(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	models := make([]AuditRecordModel, len(records))
	for i, rec := range records {
		models[i] = AuditRecordModel{
			ID:         rec.ID,
			Timestamp:  rec.Timestamp.UTC(),
			RequestID:  rec.RequestID,
			Subject:    rec.Subject,
			Tenant:     rec.Tenant,
			Method:     rec.Method,
			ToolSet:    rec.ToolSet,
			Tool:       rec.Tool,
			Status:     string(rec.Status),
			Reason:     rec.Reason,
			DurationNS: int64(rec.Duration),
			Error:      rec.Error,
		}
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		CreateInBatches(models, insertBatchSize).Error
	if err != nil {
		return fmt.Errorf("appending audit records: %w", err)
	}
	return nil
}

// AuditFilter narrows an audit query. Zero fields match everything.
type AuditFilter struct {
	Tenant  string
	Subject string
	Method  string
	Tool    string
	Status  audit.Status
	Since   time.Time
	Until   time.Time
	// Limit defaults to 100 and is capped at 1000.
	Limit int
}

// Query returns matching records, newest first.
func (r *AuditRepository) Query(ctx context.Context, f AuditFilter) ([]audit.Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	limit = min(limit, maxQueryLimit)

	q := r.db.WithContext(ctx).Model(&AuditRecordModel{}).
		Order("occurred_at DESC").
		Order("id DESC").
		Limit(limit)
	if f.Tenant != "" {
		q = q.Where("tenant = ?", f.Tenant)
	}
	if f.Subject != "" {
		q = q.Where("subject = ?", f.Subject)
	}
	if f.Method != "" {
		q = q.Where("method = ?", f.Method)
	}
	if f.Tool != "" {
		q = q.Where("tool = ?", f.Tool)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if !f.Since.IsZero() {
		q = q.Where("occurred_at >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q = q.Where("occurred_at < ?", f.Until.UTC())
	}

	var models []AuditRecordModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	records := make([]audit.Record, len(models))
	for i, m := range models {
		records[i] = audit.Record{
			ID:        m.ID,
			Timestamp: m.Timestamp.UTC(),
			RequestID: m.RequestID,
			Subject:   m.Subject,
			Tenant:    m.Tenant,
			Method:    m.Method,
			ToolSet:   m.ToolSet,
			Tool:      m.Tool,
			Status:    audit.Status(m.Status),
			Reason:    m.Reason,
			Duration:  time.Duration(m.DurationNS),
			Error:     m.Error,
		}
	}
	return records, nil
}

// DeleteBefore removes records older than cutoff and returns how many were
// removed.
func (r *AuditRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("occurred_at < ?", cutoff.UTC()).Delete(&AuditRecordModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning audit records: %w", res.Error)
	}
	return res.RowsAffected, nil
}
