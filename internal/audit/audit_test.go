package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memSink struct {
	mu      sync.Mutex
	records []Record
	gate    chan struct{} // when non-nil, Write blocks until closed
	fails   int           // fail this many writes before succeeding
	calls   int
}

func (m *memSink) Write(ctx context.Context, batch []Record) error {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fails > 0 {
		m.fails--
		return errors.New("sink unavailable")
	}
	m.records = append(m.records, batch...)
	return nil
}

func (m *memSink) snapshot() ([]Record, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...), m.calls
}

type countingMetrics struct {
	dropped, written, failed atomic.Int64
}

func (c *countingMetrics) AuditDropped()          { c.dropped.Add(1) }
func (c *countingMetrics) AuditWritten(n int)     { c.written.Add(int64(n)) }
func (c *countingMetrics) AuditWriteFailed(n int) { c.failed.Add(int64(n)) }

func closeQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestQueueDeliversInOrder(t *testing.T) {
	sink := &memSink{}
	m := &countingMetrics{}
	q := NewQueue(sink, Config{}, m, nil)

	for _, method := range []string{"initialize", "tools/list", "tools/call"} {
		if !q.Enqueue(Record{RequestID: method, Method: method, Status: StatusOK}) {
			t.Fatalf("Enqueue(%s) dropped", method)
		}
	}
	closeQueue(t, q)

	got, _ := sink.snapshot()
	if len(got) != 3 || got[0].Method != "initialize" || got[2].Method != "tools/call" {
		t.Fatalf("records = %+v", got)
	}
	for _, r := range got {
		if r.ID == "" || r.Timestamp.IsZero() {
			t.Errorf("record not stamped: %+v", r)
		}
	}
	if m.written.Load() != 3 {
		t.Errorf("written metric = %d", m.written.Load())
	}
}

func TestQueueDropsUnderBackpressure(t *testing.T) {
	sink := &memSink{gate: make(chan struct{})}
	m := &countingMetrics{}
	q := NewQueue(sink, Config{Size: 2, Backpressure: time.Millisecond}, m, nil)

	const total = 50
	queued := 0
	start := time.Now()
	for i := range total {
		if q.Enqueue(Record{RequestID: string(rune('a' + i%26)), Method: "tools/call"}) {
			queued++
		}
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("producers blocked for %s", elapsed)
	}
	if q.Dropped() == 0 || int(q.Dropped())+queued != total {
		t.Errorf("dropped = %d, queued = %d", q.Dropped(), queued)
	}
	if m.dropped.Load() != int64(q.Dropped()) {
		t.Errorf("dropped metric = %d, want %d", m.dropped.Load(), q.Dropped())
	}

	close(sink.gate)
	closeQueue(t, q)
	got, _ := sink.snapshot()
	if len(got) != queued {
		t.Errorf("written = %d, want %d", len(got), queued)
	}
}

func TestQueueRetriesBounded(t *testing.T) {
	sink := &memSink{fails: 2}
	q := NewQueue(sink, Config{MaxRetries: 3, RetryBackoff: time.Millisecond}, nil, nil)
	q.Enqueue(Record{Method: "tools/list"})
	closeQueue(t, q)
	got, calls := sink.snapshot()
	if len(got) != 1 || calls != 3 || q.Failed() != 0 {
		t.Errorf("records = %d, calls = %d, failed = %d", len(got), calls, q.Failed())
	}

	broken := &memSink{fails: 100}
	m := &countingMetrics{}
	q = NewQueue(broken, Config{MaxRetries: 1, RetryBackoff: time.Millisecond}, m, nil)
	q.Enqueue(Record{Method: "tools/list"})
	closeQueue(t, q)
	_, calls = broken.snapshot()
	if calls != 2 || q.Failed() != 1 || m.failed.Load() != 1 {
		t.Errorf("calls = %d, failed = %d, metric = %d", calls, q.Failed(), m.failed.Load())
	}
}

func TestQueueClosed(t *testing.T) {
	q := NewQueue(&memSink{}, Config{}, nil, nil)
	closeQueue(t, q)
	if q.Enqueue(Record{Method: "ping"}) {
		t.Error("Enqueue after Close succeeded")
	}
	if q.Dropped() != 1 {
		t.Errorf("dropped = %d", q.Dropped())
	}
	if err := q.Close(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v", err)
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	recs := []Record{
		{ID: "1", Method: "tools/call", Tool: "search__run", Status: StatusDenied, Reason: "forbidden"},
		{ID: "2", Method: "tools/list", Status: StatusOK, Duration: 3 * time.Millisecond},
	}
	if err := sink.Write(context.Background(), recs); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v", info.Mode().Perm())
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	var lines []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		lines = append(lines, r)
	}
	if len(lines) != 2 || lines[0].Reason != "forbidden" || lines[1].Duration != 3*time.Millisecond {
		t.Errorf("lines = %+v", lines)
	}
}

func TestMultiSink(t *testing.T) {
	a, b := &memSink{}, &memSink{fails: 1}
	err := MultiSink{a, b}.Write(context.Background(), []Record{{ID: "x"}})
	if err == nil {
		t.Error("MultiSink hid a failure")
	}
	if got, _ := a.snapshot(); len(got) != 1 {
		t.Errorf("first sink got %d records", len(got))
	}
}
