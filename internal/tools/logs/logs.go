// Package logs searches service log files kept in a sandbox workspace, so a
// job can filter large logs locally and return only the matching lines.
//
// Logs live at logs/<service>.log and use the line format
//
//	[2024-01-15 10:25:33] [ERROR] Transaction tx-123 failed: Connection timed out
//
// Lines that do not match the format are still searchable; they have no level.
package logs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jkaninda/ngome/internal/workspace"
)

// Dir is the workspace directory holding service logs.
const Dir = "logs"

// ErrInvalidService is returned for service names that cannot name a log file.
var ErrInvalidService = fmt.Errorf("%w: invalid service name", workspace.ErrInvalidPath)

var (
	serviceName = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,100}$`)
	linePattern = regexp.MustCompile(`^\[([^\]]*)\]\s*\[([A-Za-z]+)\]\s*(.*)$`)
)

// Line is one parsed log line.
type Line struct {
	Timestamp string `json:"timestamp,omitempty"`
	Level     string `json:"level,omitempty"`
	Message   string `json:"message"`
	Raw       string `json:"raw"`
}

// Query filters a search.
type Query struct {
	Keyword string // case-insensitive substring; "" matches every line
	Level   string // "" matches every level
	Limit   int    // 0 = 100
}

// Summary aggregates the errors in one log.
type Summary struct {
	Service      string         `json:"service"`
	TotalLines   int            `json:"total_lines"`
	TotalErrors  int            `json:"total_errors"`
	ByType       map[string]int `json:"errors_by_type"`
	MostFrequent string         `json:"most_frequent_error,omitempty"`
}

// Reader reads service logs from a workspace.
type Reader struct {
	store *workspace.Store
}

func NewReader(store *workspace.Store) *Reader {
	return &Reader{store: store}
}

// Services lists the services that have a log file.
func (r *Reader) Services(ctx context.Context, scope workspace.Scope) ([]string, error) {
	entries, err := r.store.List(ctx, scope, Dir, false)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir || !strings.HasSuffix(e.Path, ".log") {
			continue
		}
		out = append(out, strings.TrimSuffix(strings.TrimPrefix(e.Path, Dir+"/"), ".log"))
	}
	return out, nil
}

// Search returns the lines of service's log that match q, in file order.
func (r *Reader) Search(ctx context.Context, scope workspace.Scope, service string, q Query) ([]Line, error) {
	lines, err := r.lines(ctx, scope, service)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	keyword := strings.ToLower(q.Keyword)
	var out []Line
	for _, l := range lines {
		if q.Level != "" && !strings.EqualFold(l.Level, q.Level) {
			continue
		}
		if keyword != "" && !strings.Contains(strings.ToLower(l.Raw), keyword) {
			continue
		}
		out = append(out, l)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Tail returns the last n lines of service's log.
func (r *Reader) Tail(ctx context.Context, scope workspace.Scope, service string, n int) ([]Line, error) {
	lines, err := r.lines(ctx, scope, service)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 50
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// ErrorSummary counts ERROR lines by type. The type is the text after the
// last ": " of the message, or the whole message.
func (r *Reader) ErrorSummary(ctx context.Context, scope workspace.Scope, service string) (*Summary, error) {
	lines, err := r.lines(ctx, scope, service)
	if err != nil {
		return nil, err
	}
	s := &Summary{Service: service, TotalLines: len(lines), ByType: make(map[string]int)}
	for _, l := range lines {
		if !strings.EqualFold(l.Level, "ERROR") {
			continue
		}
		s.TotalErrors++
		s.ByType[errorType(l.Message)]++
	}
	types := make([]string, 0, len(s.ByType))
	for k := range s.ByType {
		types = append(types, k)
	}
	sort.Slice(types, func(i, j int) bool {
		if s.ByType[types[i]] != s.ByType[types[j]] {
			return s.ByType[types[i]] > s.ByType[types[j]]
		}
		return types[i] < types[j]
	})
	if len(types) > 0 {
		s.MostFrequent = types[0]
	}
	return s, nil
}

func (r *Reader) lines(ctx context.Context, scope workspace.Scope, service string) ([]Line, error) {
	if !serviceName.MatchString(service) || strings.Contains(service, "..") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidService, service)
	}
	data, err := r.store.Read(ctx, scope, workspace.Join(Dir, service+".log"))
	if err != nil {
		return nil, err
	}
	var out []Line
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		out = append(out, Parse(raw))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s log: %w", service, err)
	}
	return out, nil
}

// Parse splits a log line into its parts.
func Parse(raw string) Line {
	m := linePattern.FindStringSubmatch(raw)
	if m == nil {
		return Line{Message: raw, Raw: raw}
	}
	return Line{Timestamp: m[1], Level: strings.ToUpper(m[2]), Message: m[3], Raw: raw}
}

func errorType(msg string) string {
	if i := strings.LastIndex(msg, ": "); i >= 0 && i+2 < len(msg) {
		return msg[i+2:]
	}
	return msg
}
