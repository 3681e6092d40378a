package logs

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/workspace"
)

// Capability exposes the caller's service logs to jobs as the "logs" module.
func Capability(r *Reader) sandbox.Capability {
	return sandbox.NewModule(moduleDoc, func(jc *sandbox.JobContext) starlark.StringDict {
		m := &module{r: r, jc: jc}
		return starlark.StringDict{
			"services":      starlark.NewBuiltin("services", m.services),
			"search":        starlark.NewBuiltin("search", m.search),
			"tail":          starlark.NewBuiltin("tail", m.tail),
			"error_summary": starlark.NewBuiltin("error_summary", m.errorSummary),
		}
	})
}

var moduleDoc = sandbox.ModuleDoc{
	Name:        "logs",
	Description: "Query service logs stored in the caller's workspace.",
	Functions: []sandbox.FuncDoc{
		sandbox.Fn("services()", "Names of services with stored logs."),
		sandbox.Fn("search(service, keyword=\"\", limit=100, level=\"\")", "Raw log lines matching a keyword and level."),
		sandbox.Fn("tail(service, lines=50)", "The most recent entries of a service."),
		sandbox.Fn("error_summary(service)", "Error counts by type and the most frequent error."),
	},
}

type module struct {
	r  *Reader
	jc *sandbox.JobContext
}

func (m *module) scope() workspace.Scope {
	return workspace.Scope{Tenant: m.jc.Caller.Tenant, Sandbox: m.jc.Caller.Sandbox}
}

func (m *module) services(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	out, err := m.r.Services(m.jc.Context, m.scope())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return sandbox.ToValue(out)
}

// search returns matching raw lines; the structured form is in tail and the tools.
func (m *module) search(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		service, keyword, level string
		limit                   = 100
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"service", &service, "keyword?", &keyword, "limit?", &limit, "level?", &level); err != nil {
		return nil, err
	}
	lines, err := m.r.Search(m.jc.Context, m.scope(), service, Query{Keyword: keyword, Level: level, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return rawLines(lines), nil
}

func (m *module) tail(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		service string
		n       = 50
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "service", &service, "lines?", &n); err != nil {
		return nil, err
	}
	lines, err := m.r.Tail(m.jc.Context, m.scope(), service, n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return rawLines(lines), nil
}

func (m *module) errorSummary(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var service string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "service", &service); err != nil {
		return nil, err
	}
	s, err := m.r.ErrorSummary(m.jc.Context, m.scope(), service)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	byType := make(map[string]any, len(s.ByType))
	for k, v := range s.ByType {
		byType[k] = v
	}
	return sandbox.ToValue(map[string]any{
		"service":             s.Service,
		"total_lines":         s.TotalLines,
		"total_errors":        s.TotalErrors,
		"errors_by_type":      byType,
		"most_frequent_error": s.MostFrequent,
	})
}

func rawLines(lines []Line) *starlark.List {
	out := make([]starlark.Value, len(lines))
	for i, l := range lines {
		out[i] = starlark.String(l.Raw)
	}
	return starlark.NewList(out)
}
