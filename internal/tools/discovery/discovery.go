// Package discovery implements the list_modules, describe_module and
// search_modules tools, which let a caller see what its code can load
// before writing it.
package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/tools"
)

// NewTools returns the discovery tools over idx.
func NewTools(idx sandbox.Index) []tools.Tool {
	return []tools.Tool{&listTool{idx: idx}, &describeTool{idx: idx}, &searchTool{idx: idx}}
}

type listTool struct{ idx sandbox.Index }

func (t *listTool) Name() string { return "list_modules" }
func (t *listTool) Description() string {
	return "List the modules execute_code may load, with a description and function names for each."
}

func (t *listTool) InputSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *listTool) Validate(map[string]any) error { return nil }

func (t *listTool) Execute(context.Context, map[string]any) (*tools.Result, error) {
	docs := t.idx.Docs()
	total := 0
	for _, d := range docs {
		total += len(d.Functions)
	}
	return &tools.Result{
		Output: renderList(docs),
		Data:   map[string]any{"modules": sandbox.ModuleSummaries(docs), "total_functions": total},
	}, nil
}

func renderList(docs []sandbox.ModuleDoc) string {
	var b strings.Builder
	for _, d := range docs {
		names := make([]string, len(d.Functions))
		for i, f := range d.Functions {
			names[i] = f.Name
		}
		fmt.Fprintf(&b, "%s: %s\n  %s\n", d.Name, d.Description, strings.Join(names, ", "))
	}
	return b.String()
}

type describeTool struct{ idx sandbox.Index }

func (t *describeTool) Name() string { return "describe_module" }
func (t *describeTool) Description() string {
	return "Show the signature and description of every function in one loadable module."
}

func (t *describeTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"module": map[string]any{"type": "string", "description": "Module name as passed to load()"},
		},
		"required": []string{"module"},
	}
}

func (t *describeTool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "module")
	return err
}

func (t *describeTool) Execute(_ context.Context, params map[string]any) (*tools.Result, error) {
	name, _ := tools.RequireString(params, "module")
	doc, ok := t.idx.Describe(name)
	if !ok {
		return nil, &tools.Error{Kind: tools.KindInvalidArguments, Message: fmt.Sprintf("unknown module %q", name)}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", doc.Name, doc.Description)
	for _, f := range doc.Functions {
		fmt.Fprintf(&b, "  %s\n      %s\n", f.Signature, f.Description)
	}
	return &tools.Result{Output: b.String(), Data: doc}, nil
}

type searchTool struct{ idx sandbox.Index }

func (t *searchTool) Name() string { return "search_modules" }
func (t *searchTool) Description() string {
	return "Find loadable functions whose name or documentation contains a query, ignoring case."
}

func (t *searchTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "minLength": 1},
		},
		"required": []string{"query"},
	}
}

func (t *searchTool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "query")
	return err
}

func (t *searchTool) Execute(_ context.Context, params map[string]any) (*tools.Result, error) {
	query, _ := tools.RequireString(params, "query")
	matches := t.idx.SearchDocs(query)
	var b strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&b, "%s.%s: %s\n", m.Module, m.Signature, m.Description)
	}
	if len(matches) == 0 {
		fmt.Fprintf(&b, "no functions match %q\n", query)
	}
	return &tools.Result{
		Output: b.String(),
		Data:   map[string]any{"query": query, "matches": matches},
	}, nil
}
