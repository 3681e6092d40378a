// Package audit records one append-only entry per gateway request. Records
// pass through a bounded multi-producer queue drained by a single writer, so
// a slow sink never blocks the request path for longer than the configured
// backpressure timeout. Records that cannot be queued in time are dropped,
// counted and logged.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// Status is the outcome recorded for a request.
type Status string

const (
	StatusOK     Status = "ok"
	StatusError  Status = "error"
	StatusDenied Status = "denied"
)

// Record is one audit entry. Records are never mutated after Enqueue.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	Subject   string    `json:"subject,omitempty"`
	Tenant    string    `json:"tenant,omitempty"`
	Method    string    `json:"method"`
	ToolSet   string    `json:"tool_set,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Status    Status    `json:"status"`

	// Reason is the true cause of a failure, including causes hidden from
	// the client such as a forbidden tool set.
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// Sink persists batches of records.
type Sink interface {
	Write(ctx context.Context, records []Record) error
}

// FileSink appends records to a file as JSON lines.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) path in append-only mode with 0600 permissions.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &FileSink{file: f}, nil
}

// Write implements Sink. Marshaling happens outside the lock.
func (s *FileSink) Write(_ context.Context, records []Record) error {
	var buf []byte
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshaling audit record: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(buf); err != nil {
		return fmt.Errorf("writing audit records: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// MultiSink writes every batch to each sink in turn.
type MultiSink []Sink

// Write implements Sink. It fails if any sink fails.
func (m MultiSink) Write(ctx context.Context, records []Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
