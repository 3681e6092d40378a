// Package file implements the workspace and checkpoint tools.
//
// Security: every path goes through workspace.Store, which confines it to the
// caller's tenant/sandbox root before any I/O occurs. Reserved prefixes
// (checkpoints/, skills/) can only be reached through their own tools.
package file

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/jkaninda/ngome/internal/tools"
	"github.com/jkaninda/ngome/internal/workspace"
)

// op is one workspace operation exposed as a tool.
type op struct {
	name        string
	description string
	properties  map[string]any
	required    []string
	validate    func(params map[string]any) error
	run         func(ctx context.Context, store *workspace.Store, scope workspace.Scope, params map[string]any) (any, error)
}

// Tool adapts an op to tools.Tool.
type Tool struct {
	op     op
	store  *workspace.Store
	logger *slog.Logger
}

func (t *Tool) Name() string        { return t.op.name }
func (t *Tool) Description() string { return t.op.description }

func (t *Tool) InputSchema() map[string]any {
	props := t.op.properties
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(t.op.required) > 0 {
		schema["required"] = t.op.required
	}
	return schema
}

func (t *Tool) Validate(params map[string]any) error {
	for _, key := range t.op.required {
		if _, ok := params[key]; !ok {
			return &tools.Error{Kind: tools.KindInvalidArguments, Message: "missing required parameter: " + key}
		}
	}
	if t.op.validate != nil {
		return t.op.validate(params)
	}
	return nil
}

func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	scope, err := tools.Scope(ctx)
	if err != nil {
		return nil, err
	}
	data, err := t.op.run(ctx, t.store, scope, params)
	if err != nil {
		t.logger.DebugContext(ctx, "workspace tool failed",
			slog.String("tool", t.op.name),
			slog.String("scope", scope.String()),
			slog.Any("error", err),
		)
		return nil, err
	}
	return &tools.Result{Output: render(data), Data: data}, nil
}

// NewTools returns the workspace and checkpoint tools bound to store.
func NewTools(store *workspace.Store, logger *slog.Logger) []tools.Tool {
	if logger == nil {
		logger = slog.Default()
	}
	ops := []op{
		writeFile, readFile, listFiles, deleteFile, fileExists, workspaceInfo,
		saveCheckpoint, loadCheckpoint, listCheckpoints, deleteCheckpoint,
	}
	out := make([]tools.Tool, 0, len(ops))
	for _, o := range ops {
		out = append(out, &Tool{op: o, store: store, logger: logger})
	}
	return out
}

var pathProp = map[string]any{"type": "string", "description": "Path relative to the workspace root"}
var nameProp = map[string]any{"type": "string", "description": "Checkpoint name ([A-Za-z0-9_.-], at most 100 characters)"}

var writeFile = op{
	name:        "write_file",
	description: "Write a text file to the sandbox workspace, replacing any previous content.",
	properties: map[string]any{
		"path":    pathProp,
		"content": map[string]any{"type": "string"},
	},
	required: []string{"path", "content"},
	validate: func(params map[string]any) error {
		if _, err := tools.RequireString(params, "path"); err != nil {
			return err
		}
		_, err := tools.OptionalString(params, "content", "")
		return err
	},
	run: func(ctx context.Context, store *workspace.Store, scope workspace.Scope, params map[string]any) (any, error) {
		path, _ := tools.RequireString(params, "path")
		content, _ := tools.OptionalString(params, "content", "")
		if err := store.Write(ctx, scope, path, []byte(content)); err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "size": len(content), "digest": Digest([]byte(content))}, nil
	},
}

var readFile = op{
	name:        "read_file",
	description: "Read a file from the sandbox workspace.",
	properties:  map[string]any{"path": pathProp},
	required:    []string{"path"},
	validate:    requirePath,
	run: func(ctx context.Context, store *workspace.Store, scope workspace.Scope, params map[string]any) (any, error) {
		path, _ := tools.RequireString(params, "path")
		data, err := store.Read(ctx, scope, path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "content": string(data), "size": len(data), "digest": Digest(data)}, nil
	},
}

var listFiles = op{
	name:        "list_files",
	description: "List files in the sandbox workspace.",
	properties: map[string]any{
		"path":      map[string]any{"type": "string", "description": "Directory to list; defaults to the workspace root"},
		"recursive": map[string]any{"type": "boolean"},
	},
	validate: func(params map[string]any) error {
		if _, err := tools.OptionalString(params, "path", ""); err != nil {
			return err
		}
		_, err := tools.OptionalBool(params, "recursive", false)
		return err
	},
	run: func(ctx context.Context, store *workspace.Store, scope workspace.Scope, params map[string]any) (any, error) {
		dir, _ := tools.OptionalString(params, "path", "")
		recursive, _ := tools.OptionalBool(params, "recursive", false)
		entries, err := store.List(ctx, scope, dir, recursive)
		if err != nil {
			return nil, err
		}
		return map[string]any{"files": entries, "count": len(entries)}, nil
	},
}

var deleteFile = op{
	name:        "delete_file",
	description: "Delete a file from the sandbox workspace.",
	properties:  map[string]any{"path": pathProp},
	required:    []string{"path"},
	validate:    requirePath,
	run: func(ctx context.Context, store *workspace.Store, scope workspace.Scope, params map[string]any) (any, error) {
		path, _ := tools.RequireString(params, "path")
		if err := store.Delete(ctx, scope, path); err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "deleted": true}, nil
	},
}

var fileExists = op{
	name:        "file_exists",
	description: "Check whether a file exists in the sandbox workspace.",
	properties:  map[string]any{"path": pathProp},
	required:    []string{"path"},
	validate:    requirePath,
	run: func(ctx context.Context, store *workspace.Store, scope workspace.Scope, params map[string]any) (any, error) {
		path, _ := tools.RequireString(params, "path")
		ok, err := store.Exists(ctx, scope, path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "exists": ok}, nil
	},
}

var workspaceInfo = op{
	name:        "workspace_info",
	description: "Report storage used by the sandbox workspace and its quota.",
	run: func(ctx context.Context, store *workspace.Store, scope workspace.Scope, _ map[string]any) (any, error) {
		return store.Info(ctx, scope)
	},
}

var saveCheckpoint = op{
	name:        "save_checkpoint",
	description: "Save a JSON value under a checkpoint name. A later save with the same name replaces it.",
	properties: map[string]any{
		"name": nameProp,
		"data": map[string]any{"description": "Any JSON value"},
	},
	required: []string{"name", "data"},
	validate: requireName,
	run: func(ctx context.Context, store *workspace.Store, scope workspace.Scope, params map[string]any) (any, error) {
		name, _ := tools.RequireString(params, "name")
		if err := store.SaveCheckpoint(ctx, scope, name, params["data"]); err != nil {
			return nil, err
		}
		return map[string]any{"name": name, "saved": true}, nil
	},
}

var loadCheckpoint = op{
	name:        "load_checkpoint",
	description: "Load the JSON value saved under a checkpoint name.",
	properties:  map[string]any{"name": nameProp},
	required:    []string{"name"},
	validate:    requireName,
	run: func(ctx context.Context, store *workspace.Store, scope workspace.Scope, params map[string]any) (any, error) {
		name, _ := tools.RequireString(params, "name")
		raw, err := store.LoadCheckpoint(ctx, scope, name)
		if err != nil {
			return nil, err
		}
		var data any
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("decoding checkpoint %s: %w", name, err)
		}
		return map[string]any{"name": name, "data": data}, nil
	},
}

var listCheckpoints = op{
	name:        "list_checkpoints",
	description: "List saved checkpoint names.",
	run: func(ctx context.Context, store *workspace.Store, scope workspace.Scope, _ map[string]any) (any, error) {
		names, err := store.ListCheckpoints(ctx, scope)
		if err != nil {
			return nil, err
		}
		return map[string]any{"checkpoints": names, "count": len(names)}, nil
	},
}

var deleteCheckpoint = op{
	name:        "delete_checkpoint",
	description: "Delete a saved checkpoint.",
	properties:  map[string]any{"name": nameProp},
	required:    []string{"name"},
	validate:    requireName,
	run: func(ctx context.Context, store *workspace.Store, scope workspace.Scope, params map[string]any) (any, error) {
		name, _ := tools.RequireString(params, "name")
		if err := store.DeleteCheckpoint(ctx, scope, name); err != nil {
			return nil, err
		}
		return map[string]any{"name": name, "deleted": true}, nil
	},
}

func requirePath(params map[string]any) error {
	_, err := tools.RequireString(params, "path")
	return err
}

func requireName(params map[string]any) error {
	_, err := tools.RequireString(params, "name")
	return err
}

// Digest returns the hex BLAKE3-256 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func render(v any) string {
	if m, ok := v.(map[string]any); ok {
		if content, ok := m["content"].(string); ok {
			return content
		}
	}
	return tools.RenderJSON(v)
}
