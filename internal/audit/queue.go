package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("audit queue closed")

// Defaults for Config fields left at zero.
const (
	DefaultQueueSize    = 4096
	DefaultBackpressure = 5 * time.Millisecond
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 50 * time.Millisecond
	DefaultBatchSize    = 256
	DefaultWriteTimeout = 5 * time.Second
)

// Config tunes a Queue.
type Config struct {
	Size int
	// Backpressure is how long Enqueue waits for room before dropping.
	Backpressure time.Duration
	// MaxRetries bounds additional attempts after a failed sink write.
	MaxRetries   int
	RetryBackoff time.Duration
	BatchSize    int
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = DefaultQueueSize
	}
	if c.Backpressure <= 0 {
		c.Backpressure = DefaultBackpressure
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Metrics receives queue events. observability.MetricsCollector implements it.
type Metrics interface {
	AuditDropped()
	AuditWritten(n int)
	AuditWriteFailed(n int)
}

type nopMetrics struct{}

func (nopMetrics) AuditDropped()        {}
func (nopMetrics) AuditWritten(int)     {}
func (nopMetrics) AuditWriteFailed(int) {}

// Queue is a bounded multi-producer, single-consumer audit pipeline.
type Queue struct {
	cfg     Config
	sink    Sink
	metrics Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan Record
	done   chan struct{}

	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewQueue starts a queue draining into sink. metrics may be nil.
func NewQueue(sink Sink, cfg Config, metrics Metrics, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:     cfg,
		sink:    sink,
		metrics: metrics,
		logger:  logger,
		ch:      make(chan Record, cfg.Size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue queues r, waiting at most the backpressure timeout for room. It
// reports whether the record was queued. ID and Timestamp are filled in when
// empty.
func (q *Queue) Enqueue(r Record) bool {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.drop(r, "queue closed")
		return false
	}

	select {
	case q.ch <- r:
		return true
	default:
	}
	timer := time.NewTimer(q.cfg.Backpressure)
	defer timer.Stop()
	select {
	case q.ch <- r:
		return true
	case <-timer.C:
		q.drop(r, "queue full")
		return false
	}
}

func (q *Queue) drop(r Record, why string) {
	n := q.dropped.Add(1)
	q.metrics.AuditDropped()
	q.logger.Warn("audit overflow: record dropped",
		slog.String("reason", why),
		slog.String("request_id", r.RequestID),
		slog.String("method", r.Method),
		slog.Uint64("dropped_total", n),
	)
}

// Dropped returns the number of records dropped since start.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Failed returns the number of records lost to sink failures after retries.
func (q *Queue) Failed() uint64 { return q.failed.Load() }

// Len returns the number of queued records.
func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) run() {
	defer close(q.done)
	batch := make([]Record, 0, q.cfg.BatchSize)
	for r := range q.ch {
		batch = append(batch[:0], r)
	fill:
		for len(batch) < q.cfg.BatchSize {
			select {
			case next, ok := <-q.ch:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		q.write(batch)
	}
}

// write delivers batch with bounded retries.
func (q *Queue) write(batch []Record) {
	var err error
	backoff := q.cfg.RetryBackoff
	for attempt := 0; attempt <= q.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.WriteTimeout)
		err = q.sink.Write(ctx, batch)
		cancel()
		if err == nil {
			q.metrics.AuditWritten(len(batch))
			return
		}
		q.logger.Warn("audit write failed",
			slog.Int("attempt", attempt+1),
			slog.Int("records", len(batch)),
			slog.Any("error", err),
		)
	}
	q.failed.Add(uint64(len(batch)))
	q.metrics.AuditWriteFailed(len(batch))
	q.logger.Error("audit records lost after retries",
		slog.Int("records", len(batch)),
		slog.Any("error", err),
	)
}

// Close stops accepting records and waits until queued records are written
// or ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
