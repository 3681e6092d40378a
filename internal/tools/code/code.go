// Package code implements the execute_code tool.
//
// Security:
//   - Code runs in the Starlark engine; the language has no file, network or process access
//   - Only allow-listed modules can be loaded
//   - Declared timeout and output size are capped by the engine's ceilings
//   - Failures carry a classified, bounded message only
package code

import (
	"context"
	"log/slog"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/tools"
)

// Tool executes code snippets in the sandbox engine.
type Tool struct {
	runner  sandbox.Runner
	modules []string
	logger  *slog.Logger
}

// NewTool creates the execute_code tool. modules is advertised in the
// description so callers know what they can load.
func NewTool(runner sandbox.Runner, modules []string, logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{runner: runner, modules: modules, logger: logger}
}

func (t *Tool) Name() string { return "execute_code" }

func (t *Tool) Description() string {
	desc := "Execute Starlark code in an isolated sandbox. Use print() for output and load() to import allowed modules."
	if len(t.modules) > 0 {
		desc += " Allowed modules:"
		for i, m := range t.modules {
			if i > 0 {
				desc += ","
			}
			desc += " " + m
		}
		desc += "."
	}
	return desc
}

func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code":             map[string]any{"type": "string", "description": "Starlark source to execute"},
			"timeout_seconds":  map[string]any{"type": "integer", "minimum": 0, "description": "Wall-clock limit; 0 uses the default"},
			"max_output_bytes": map[string]any{"type": "integer", "minimum": 0, "description": "Captured output limit; 0 uses the default"},
			"args":             map[string]any{"type": "object", "description": "Values bound to the predeclared args dict"},
		},
		"required": []string{"code"},
	}
}

func (t *Tool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "code"); err != nil {
		return err
	}
	if _, err := tools.OptionalSeconds(params, "timeout_seconds"); err != nil {
		return err
	}
	if _, err := tools.OptionalInt(params, "max_output_bytes", 0); err != nil {
		return err
	}
	_, err := tools.OptionalMap(params, "args")
	return err
}

// Execute runs the code. Failed statuses come back as *tools.Error so the
// gateway can report the sub-kind; output_truncated is a normal result.
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	caller, err := tools.Caller(ctx)
	if err != nil {
		return nil, err
	}
	src, _ := tools.RequireString(params, "code")
	timeout, _ := tools.OptionalSeconds(params, "timeout_seconds")
	maxOut, _ := tools.OptionalInt(params, "max_output_bytes", 0)
	args, _ := tools.OptionalMap(params, "args")

	t.logger.InfoContext(ctx, "execute_code running",
		slog.String("tenant", caller.Tenant),
		slog.String("sandbox", caller.Sandbox),
		slog.Int("code_size", len(src)),
	)

	res, err := t.runner.Execute(ctx, sandbox.Job{
		Code:           src,
		Timeout:        timeout,
		MaxOutputBytes: int(maxOut),
		Caller:         caller,
		Args:           args,
	})
	if err != nil {
		return nil, err
	}
	return FromSandbox(res)
}

// FromSandbox converts a sandbox result into a tool result or error.
func FromSandbox(res *sandbox.Result) (*tools.Result, error) {
	if res.Status.Failed() {
		return nil, tools.StatusError(res)
	}
	return &tools.Result{
		Output: res.Output,
		Status: res.Status,
		Data: map[string]any{
			"status":      res.Status,
			"output":      res.Output,
			"value":       res.Value,
			"duration_ms": res.Duration.Milliseconds(),
		},
	}, nil
}
