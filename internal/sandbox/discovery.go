package sandbox

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"golang.org/x/text/cases"
)

// DiscoveryModuleName is the module jobs load to browse the other modules.
const DiscoveryModuleName = "tools"

// Index answers discovery queries over the modules a job may load.
type Index interface {
	Docs() []ModuleDoc
	Describe(name string) (ModuleDoc, bool)
	SearchDocs(query string) []Match
}

// Match is one module member found by a search.
type Match struct {
	Module string `json:"module"`
	FuncDoc
}

// Docs describes every loadable module, sorted by name.
func (e *Engine) Docs() []ModuleDoc {
	names := sortedNames(e.caps)
	docs := make([]ModuleDoc, 0, len(names))
	for _, n := range names {
		docs = append(docs, e.caps[n].Doc())
	}
	return docs
}

// Describe returns the documentation of one loadable module.
func (e *Engine) Describe(name string) (ModuleDoc, bool) {
	c, ok := e.caps[name]
	if !ok {
		return ModuleDoc{}, false
	}
	return c.Doc(), true
}

// SearchDocs returns the members whose name, signature or description
// contains query, compared case-insensitively. A query naming a module
// matches all of its members. An empty query matches everything.
func (e *Engine) SearchDocs(query string) []Match {
	q := cases.Fold().String(strings.TrimSpace(query))
	var out []Match
	for _, doc := range e.Docs() {
		moduleHit := strings.Contains(cases.Fold().String(doc.Name), q)
		for _, f := range doc.Functions {
			if moduleHit || containsFold(q, f.Name, f.Signature, f.Description) {
				out = append(out, Match{Module: doc.Name, FuncDoc: f})
			}
		}
	}
	return out
}

func containsFold(foldedQuery string, fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(cases.Fold().String(f), foldedQuery) {
			return true
		}
	}
	return false
}

// DiscoveryModule lets a job list and search the modules it may load.
// It answers from the engine running the job, so allow-lists apply.
func DiscoveryModule() Capability {
	return NewModule(ModuleDoc{
		Name:        DiscoveryModuleName,
		Description: "Browse the modules this sandbox allows and their functions.",
		Functions: []FuncDoc{
			Fn("list_modules()", "List loadable modules with their descriptions and function names."),
			Fn("describe_module(name)", "Signatures and descriptions of every function in a module."),
			Fn("search_modules(query)", "Find functions whose name or documentation contains query, ignoring case."),
		},
	}, func(jc *JobContext) starlark.StringDict {
		return starlark.StringDict{
			"list_modules":    starlark.NewBuiltin("list_modules", listModulesBuiltin(jc.Index)),
			"describe_module": starlark.NewBuiltin("describe_module", describeModuleBuiltin(jc.Index)),
			"search_modules":  starlark.NewBuiltin("search_modules", searchModulesBuiltin(jc.Index)),
		}
	})
}

type builtinFunc = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

// ModuleSummaries reduces docs to names, descriptions and function names.
func ModuleSummaries(docs []ModuleDoc) []map[string]any {
	out := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		fns := make([]any, 0, len(d.Functions))
		for _, f := range d.Functions {
			fns = append(fns, f.Name)
		}
		out = append(out, map[string]any{"name": d.Name, "description": d.Description, "functions": fns})
	}
	return out
}

// DocValue is the plain map form of a module doc.
func DocValue(d ModuleDoc) map[string]any {
	fns := make([]any, 0, len(d.Functions))
	for _, f := range d.Functions {
		fns = append(fns, map[string]any{"name": f.Name, "signature": f.Signature, "description": f.Description})
	}
	return map[string]any{"name": d.Name, "description": d.Description, "functions": fns}
}

// MatchValues is the plain form of search results.
func MatchValues(ms []Match) []any {
	out := make([]any, 0, len(ms))
	for _, m := range ms {
		out = append(out, map[string]any{
			"module":      m.Module,
			"name":        m.Name,
			"signature":   m.Signature,
			"description": m.Description,
		})
	}
	return out
}

func listModulesBuiltin(idx Index) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return nil, err
		}
		if idx == nil {
			return starlark.NewList(nil), nil
		}
		list := make([]any, 0)
		for _, s := range ModuleSummaries(idx.Docs()) {
			list = append(list, s)
		}
		return ToValue(list)
	}
}

func describeModuleBuiltin(idx Index) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
			return nil, err
		}
		if idx == nil {
			return nil, fmt.Errorf("%s: unknown module %q", b.Name(), name)
		}
		doc, ok := idx.Describe(name)
		if !ok {
			return nil, fmt.Errorf("%s: unknown module %q", b.Name(), name)
		}
		return ToValue(DocValue(doc))
	}
}

func searchModulesBuiltin(idx Index) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var query string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "query", &query); err != nil {
			return nil, err
		}
		if idx == nil {
			return starlark.NewList(nil), nil
		}
		return ToValue(MatchValues(idx.SearchDocs(query)))
	}
}
