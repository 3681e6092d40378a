package skills

import (
	"encoding/json"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/workspace"
)

// Capability exposes the registry to jobs as the "skills" module.
func Capability(r *Registry) sandbox.Capability {
	return sandbox.NewModule(moduleDoc, func(jc *sandbox.JobContext) starlark.StringDict {
		m := &module{reg: r, jc: jc}
		return starlark.StringDict{
			"save":   starlark.NewBuiltin("save", m.save),
			"get":    starlark.NewBuiltin("get", m.get),
			"update": starlark.NewBuiltin("update", m.update),
			"delete": starlark.NewBuiltin("delete", m.delete),
			"list":   starlark.NewBuiltin("list", m.list),
			"search": starlark.NewBuiltin("search", m.search),
			"run":    starlark.NewBuiltin("run", m.run),
		}
	})
}

var moduleDoc = sandbox.ModuleDoc{
	Name:        "skills",
	Description: "Save, find and run reusable code in the caller's skills library.",
	Functions: []sandbox.FuncDoc{
		sandbox.Fn("save(name, code, description=\"\", tags=[])", "Store a new skill at version 1."),
		sandbox.Fn("get(name)", "Return a skill with its code."),
		sandbox.Fn("update(name, version=0, code=None, description=None, tags=None)", "Change a skill if it is still at version; 0 means any."),
		sandbox.Fn("delete(name)", "Remove a skill."),
		sandbox.Fn("list()", "All skills, most recently updated first."),
		sandbox.Fn("search(query)", "Skills whose name, description or tags contain query."),
		sandbox.Fn("run(name, args={})", "Run a skill's main with args as keyword arguments."),
	},
}

type module struct {
	reg *Registry
	jc  *sandbox.JobContext
}

func (m *module) scope() workspace.Scope {
	return workspace.Scope{Tenant: m.jc.Caller.Tenant, Sandbox: m.jc.Caller.Sandbox}
}

func (m *module) save(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name, code, description string
		tags                    *starlark.List
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name, "code", &code, "description?", &description, "tags?", &tags); err != nil {
		return nil, err
	}
	tagList, err := stringList(tags)
	if err != nil {
		return nil, fmt.Errorf("%s: tags: %w", b.Name(), err)
	}
	skill, err := m.reg.Save(m.jc.Context, m.scope(), Spec{
		Name:        name,
		Code:        code,
		Description: description,
		Tags:        tagList,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return toValue(skill)
}

func (m *module) get(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	skill, err := m.reg.Get(m.jc.Context, m.scope(), name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return toValue(skill)
}

func (m *module) update(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name              string
		version           int
		code, description starlark.Value = starlark.None, starlark.None
		tags              *starlark.List
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name, "version?", &version, "code?", &code, "description?", &description, "tags?", &tags); err != nil {
		return nil, err
	}
	var patch Patch
	if s, ok := starlark.AsString(code); ok {
		patch.Code = &s
	}
	if s, ok := starlark.AsString(description); ok {
		patch.Description = &s
	}
	if tags != nil {
		tagList, err := stringList(tags)
		if err != nil {
			return nil, fmt.Errorf("%s: tags: %w", b.Name(), err)
		}
		patch.Tags = tagList
	}
	skill, err := m.reg.Update(m.jc.Context, m.scope(), name, int64(version), patch)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return toValue(skill)
}

func (m *module) delete(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	if err := m.reg.Delete(m.jc.Context, m.scope(), name); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.True, nil
}

func (m *module) list(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	out, err := m.reg.List(m.jc.Context, m.scope())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return toValue(out)
}

func (m *module) search(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var query string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "query", &query); err != nil {
		return nil, err
	}
	out, err := m.reg.Search(m.jc.Context, m.scope(), query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return toValue(out)
}

// run executes another skill as a nested job. It inherits the parent's
// limits and deadline and counts toward the nesting depth.
func (m *module) run(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name    string
		jobArgs *starlark.Dict
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "args?", &jobArgs); err != nil {
		return nil, err
	}
	var goArgs map[string]any
	if jobArgs != nil {
		v, err := sandbox.FromValue(jobArgs)
		if err != nil {
			return nil, fmt.Errorf("%s: args: %w", b.Name(), err)
		}
		goArgs, _ = v.(map[string]any)
	}
	res, err := m.reg.Run(m.jc.Context, m.jc.Runner, m.jc.Caller, name, goArgs, RunOptions{
		Timeout:        m.jc.Timeout,
		MaxOutputBytes: m.jc.MaxOutputBytes,
		Depth:          m.jc.Depth + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return toValue(res)
}

// toValue converts a Go struct to a Starlark value through its JSON form.
func toValue(v any) (starlark.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, err
	}
	return sandbox.ToValue(plain)
}

func stringList(l *starlark.List) ([]string, error) {
	if l == nil {
		return nil, nil
	}
	out := make([]string, 0, l.Len())
	for i := 0; i < l.Len(); i++ {
		s, ok := starlark.AsString(l.Index(i))
		if !ok {
			return nil, fmt.Errorf("element %d is %s, want string", i, l.Index(i).Type())
		}
		out = append(out, s)
	}
	return out, nil
}
