package logs

import (
	"context"
	"strings"

	"github.com/jkaninda/ngome/internal/tools"
)

// NewTools returns the search_logs, tail_logs and log_error_summary tools.
func NewTools(r *Reader) []tools.Tool {
	return []tools.Tool{&searchTool{r: r}, &tailTool{r: r}, &summaryTool{r: r}}
}

var serviceProp = map[string]any{"type": "string", "description": "Service name; reads logs/<service>.log"}

type searchTool struct{ r *Reader }

func (t *searchTool) Name() string { return "search_logs" }
func (t *searchTool) Description() string {
	return "Search a service log for lines containing a keyword, optionally filtered by level."
}

func (t *searchTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"service": serviceProp,
			"keyword": map[string]any{"type": "string"},
			"level":   map[string]any{"type": "string", "enum": []string{"DEBUG", "INFO", "WARN", "ERROR"}},
			"limit":   map[string]any{"type": "integer", "minimum": 1, "maximum": 1000},
		},
		"required": []string{"service"},
	}
}

func (t *searchTool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "service"); err != nil {
		return err
	}
	if _, err := tools.OptionalString(params, "keyword", ""); err != nil {
		return err
	}
	if _, err := tools.OptionalString(params, "level", ""); err != nil {
		return err
	}
	_, err := tools.OptionalInt(params, "limit", 100)
	return err
}

func (t *searchTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	scope, err := tools.Scope(ctx)
	if err != nil {
		return nil, err
	}
	service, _ := tools.RequireString(params, "service")
	keyword, _ := tools.OptionalString(params, "keyword", "")
	level, _ := tools.OptionalString(params, "level", "")
	limit, _ := tools.OptionalInt(params, "limit", 100)
	lines, err := t.r.Search(ctx, scope, service, Query{Keyword: keyword, Level: level, Limit: int(limit)})
	if err != nil {
		return nil, err
	}
	return linesResult(service, lines), nil
}

type tailTool struct{ r *Reader }

func (t *tailTool) Name() string        { return "tail_logs" }
func (t *tailTool) Description() string { return "Return the most recent lines of a service log." }

func (t *tailTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"service": serviceProp,
			"lines":   map[string]any{"type": "integer", "minimum": 1, "maximum": 1000},
		},
		"required": []string{"service"},
	}
}

func (t *tailTool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "service"); err != nil {
		return err
	}
	_, err := tools.OptionalInt(params, "lines", 50)
	return err
}

func (t *tailTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	scope, err := tools.Scope(ctx)
	if err != nil {
		return nil, err
	}
	service, _ := tools.RequireString(params, "service")
	n, _ := tools.OptionalInt(params, "lines", 50)
	lines, err := t.r.Tail(ctx, scope, service, int(n))
	if err != nil {
		return nil, err
	}
	return linesResult(service, lines), nil
}

type summaryTool struct{ r *Reader }

func (t *summaryTool) Name() string        { return "log_error_summary" }
func (t *summaryTool) Description() string { return "Count the ERROR lines of a service log by error type." }

func (t *summaryTool) InputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"service": serviceProp},
		"required":   []string{"service"},
	}
}

func (t *summaryTool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "service")
	return err
}

func (t *summaryTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	scope, err := tools.Scope(ctx)
	if err != nil {
		return nil, err
	}
	service, _ := tools.RequireString(params, "service")
	s, err := t.r.ErrorSummary(ctx, scope, service)
	if err != nil {
		return nil, err
	}
	return &tools.Result{Output: tools.RenderJSON(s), Data: s}, nil
}

func linesResult(service string, lines []Line) *tools.Result {
	raw := make([]string, len(lines))
	for i, l := range lines {
		raw[i] = l.Raw
	}
	out := strings.Join(raw, "\n")
	if out != "" {
		out += "\n"
	}
	return &tools.Result{
		Output: out,
		Data:   map[string]any{"service": service, "lines": lines, "count": len(lines)},
	}
}
