package file

import (
	"encoding/json"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/workspace"
)

// Capability exposes the caller's workspace to jobs as the "workspace" module.
func Capability(store *workspace.Store) sandbox.Capability {
	return sandbox.NewModule(moduleDoc, func(jc *sandbox.JobContext) starlark.StringDict {
		m := &module{store: store, jc: jc}
		return starlark.StringDict{
			"write_file":        starlark.NewBuiltin("write_file", m.writeFile),
			"read_file":         starlark.NewBuiltin("read_file", m.readFile),
			"list_files":        starlark.NewBuiltin("list_files", m.listFiles),
			"delete_file":       starlark.NewBuiltin("delete_file", m.deleteFile),
			"file_exists":       starlark.NewBuiltin("file_exists", m.fileExists),
			"workspace_info":    starlark.NewBuiltin("workspace_info", m.info),
			"save_checkpoint":   starlark.NewBuiltin("save_checkpoint", m.saveCheckpoint),
			"load_checkpoint":   starlark.NewBuiltin("load_checkpoint", m.loadCheckpoint),
			"list_checkpoints":  starlark.NewBuiltin("list_checkpoints", m.listCheckpoints),
			"delete_checkpoint": starlark.NewBuiltin("delete_checkpoint", m.deleteCheckpoint),
		}
	})
}

var moduleDoc = sandbox.ModuleDoc{
	Name:        "workspace",
	Description: "Read and write files and checkpoints in the caller's sandbox workspace.",
	Functions: []sandbox.FuncDoc{
		sandbox.Fn("write_file(path, content)", "Create or replace a text file."),
		sandbox.Fn("read_file(path)", "Return a file's content."),
		sandbox.Fn("list_files(path=\"\", recursive=False)", "List files and directories under path."),
		sandbox.Fn("delete_file(path)", "Delete a file."),
		sandbox.Fn("file_exists(path)", "Report whether a file exists."),
		sandbox.Fn("workspace_info()", "Bytes used, quota and file count."),
		sandbox.Fn("save_checkpoint(name, data)", "Store a JSON-compatible value under name."),
		sandbox.Fn("load_checkpoint(name)", "Return a saved checkpoint value."),
		sandbox.Fn("list_checkpoints()", "Names of saved checkpoints."),
		sandbox.Fn("delete_checkpoint(name)", "Delete a checkpoint."),
	},
}

type module struct {
	store *workspace.Store
	jc    *sandbox.JobContext
}

func (m *module) scope() workspace.Scope {
	return workspace.Scope{Tenant: m.jc.Caller.Tenant, Sandbox: m.jc.Caller.Sandbox}
}

func (m *module) writeFile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path, content string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "content", &content); err != nil {
		return nil, err
	}
	if err := m.store.Write(m.jc.Context, m.scope(), path, []byte(content)); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.MakeInt(len(content)), nil
}

func (m *module) readFile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	data, err := m.store.Read(m.jc.Context, m.scope(), path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(data), nil
}

func (m *module) listFiles(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		dir       string
		recursive bool
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path?", &dir, "recursive?", &recursive); err != nil {
		return nil, err
	}
	entries, err := m.store.List(m.jc.Context, m.scope(), dir, recursive)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	paths := make([]starlark.Value, 0, len(entries))
	for _, e := range entries {
		p := e.Path
		if e.IsDir {
			p += "/"
		}
		paths = append(paths, starlark.String(p))
	}
	return starlark.NewList(paths), nil
}

func (m *module) deleteFile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	if err := m.store.Delete(m.jc.Context, m.scope(), path); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.True, nil
}

func (m *module) fileExists(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	ok, err := m.store.Exists(m.jc.Context, m.scope(), path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.Bool(ok), nil
}

func (m *module) info(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	u, err := m.store.Info(m.jc.Context, m.scope())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return sandbox.ToValue(map[string]any{
		"used_bytes":  u.UsedBytes,
		"quota_bytes": u.QuotaBytes,
		"files":       u.Files,
	})
}

func (m *module) saveCheckpoint(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name string
		data starlark.Value
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "data", &data); err != nil {
		return nil, err
	}
	v, err := sandbox.FromValue(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if err := m.store.SaveCheckpoint(m.jc.Context, m.scope(), name, v); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.True, nil
}

func (m *module) loadCheckpoint(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	raw, err := m.store.LoadCheckpoint(m.jc.Context, m.scope(), name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%s: decoding %s: %w", b.Name(), name, err)
	}
	return sandbox.ToValue(v)
}

func (m *module) listCheckpoints(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	names, err := m.store.ListCheckpoints(m.jc.Context, m.scope())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	out := make([]starlark.Value, len(names))
	for i, n := range names {
		out[i] = starlark.String(n)
	}
	return starlark.NewList(out), nil
}

func (m *module) deleteCheckpoint(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	if err := m.store.DeleteCheckpoint(m.jc.Context, m.scope(), name); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.True, nil
}
