// Package skill exposes the skills registry as tools.
package skill

import (
	"context"
	"log/slog"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/skills"
	"github.com/jkaninda/ngome/internal/tools"
	"github.com/jkaninda/ngome/internal/tools/code"
	"github.com/jkaninda/ngome/internal/workspace"
)

type handler func(ctx context.Context, caller sandbox.Caller, params map[string]any) (*tools.Result, error)

// Tool is one skills operation.
type Tool struct {
	name        string
	description string
	schema      map[string]any
	validate    func(params map[string]any) error
	run         handler
}

func (t *Tool) Name() string                { return t.name }
func (t *Tool) Description() string         { return t.description }
func (t *Tool) InputSchema() map[string]any { return t.schema }

func (t *Tool) Validate(params map[string]any) error {
	if t.validate == nil {
		return nil
	}
	return t.validate(params)
}

func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	caller, err := tools.Caller(ctx)
	if err != nil {
		return nil, err
	}
	return t.run(ctx, caller, params)
}

// NewTools returns the skill tools. runner executes run_skill jobs.
func NewTools(reg *skills.Registry, runner sandbox.Runner, logger *slog.Logger) []tools.Tool {
	if logger == nil {
		logger = slog.Default()
	}
	k := &kit{reg: reg, runner: runner, logger: logger}
	return []tools.Tool{
		&Tool{
			name:        "save_skill",
			description: "Save reusable Starlark code as a named skill. Fails if the name is taken.",
			schema: object(map[string]any{
				"name":        nameProp,
				"code":        str("Starlark source; define main(**args) to receive arguments"),
				"description": str(""),
				"tags":        strList,
				"parameters":  map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
				"returns":     str("What main returns"),
			}, "name", "code"),
			validate: validateSpec,
			run:      k.save,
		},
		&Tool{
			name:        "get_skill",
			description: "Get a skill's code and metadata.",
			schema:      object(map[string]any{"name": nameProp}, "name"),
			validate:    requireName,
			run:         k.get,
		},
		&Tool{
			name:        "update_skill",
			description: "Update a skill. Pass the version you read; a stale version fails with version_conflict.",
			schema: object(map[string]any{
				"name":        nameProp,
				"version":     map[string]any{"type": "integer", "minimum": 0, "description": "Expected current version; 0 updates whatever is current"},
				"code":        str(""),
				"description": str(""),
				"tags":        strList,
				"returns":     str(""),
			}, "name"),
			validate: validatePatch,
			run:      k.update,
		},
		&Tool{
			name:        "delete_skill",
			description: "Delete a skill.",
			schema:      object(map[string]any{"name": nameProp}, "name"),
			validate:    requireName,
			run:         k.delete,
		},
		&Tool{
			name:        "list_skills",
			description: "List saved skills, most recently updated first.",
			schema:      object(map[string]any{}),
			run:         k.list,
		},
		&Tool{
			name:        "search_skills",
			description: "Search skills by case-insensitive substring of name, tags or description.",
			schema:      object(map[string]any{"query": str("")}, "query"),
			validate: func(params map[string]any) error {
				_, err := tools.OptionalString(params, "query", "")
				return err
			},
			run: k.search,
		},
		&Tool{
			name:        "run_skill",
			description: "Run a saved skill in the sandbox with the given arguments.",
			schema: object(map[string]any{
				"name":             nameProp,
				"args":             map[string]any{"type": "object"},
				"timeout_seconds":  map[string]any{"type": "integer", "minimum": 0},
				"max_output_bytes": map[string]any{"type": "integer", "minimum": 0},
			}, "name"),
			validate: validateRun,
			run:      k.run,
		},
	}
}

type kit struct {
	reg    *skills.Registry
	runner sandbox.Runner
	logger *slog.Logger
}

func (k *kit) save(ctx context.Context, caller sandbox.Caller, params map[string]any) (*tools.Result, error) {
	name, _ := tools.RequireString(params, "name")
	src, _ := tools.RequireString(params, "code")
	desc, _ := tools.OptionalString(params, "description", "")
	tags, _ := tools.OptionalStrings(params, "tags")
	parameters, _ := tools.StringMap(params, "parameters")
	returns, _ := tools.OptionalString(params, "returns", "")
	s, err := k.reg.Save(ctx, scopeOf(caller), skills.Spec{
		Name:        name,
		Code:        src,
		Description: desc,
		Tags:        tags,
		Parameters:  parameters,
		Returns:     returns,
	})
	if err != nil {
		return nil, err
	}
	k.logger.InfoContext(ctx, "skill saved",
		slog.String("tenant", caller.Tenant),
		slog.String("skill", s.Name),
		slog.String("subject", caller.Subject),
	)
	return result(s), nil
}

func (k *kit) get(ctx context.Context, caller sandbox.Caller, params map[string]any) (*tools.Result, error) {
	name, _ := tools.RequireString(params, "name")
	s, err := k.reg.Get(ctx, scopeOf(caller), name)
	if err != nil {
		return nil, err
	}
	return result(s), nil
}

func (k *kit) update(ctx context.Context, caller sandbox.Caller, params map[string]any) (*tools.Result, error) {
	name, _ := tools.RequireString(params, "name")
	version, _ := tools.OptionalInt(params, "version", 0)
	var patch skills.Patch
	patch.Code, _ = tools.StringPtr(params, "code")
	patch.Description, _ = tools.StringPtr(params, "description")
	patch.Returns, _ = tools.StringPtr(params, "returns")
	patch.Tags, _ = tools.OptionalStrings(params, "tags")
	s, err := k.reg.Update(ctx, scopeOf(caller), name, version, patch)
	if err != nil {
		return nil, err
	}
	return result(s), nil
}

func (k *kit) delete(ctx context.Context, caller sandbox.Caller, params map[string]any) (*tools.Result, error) {
	name, _ := tools.RequireString(params, "name")
	if err := k.reg.Delete(ctx, scopeOf(caller), name); err != nil {
		return nil, err
	}
	return result(map[string]any{"name": name, "deleted": true}), nil
}

func (k *kit) list(ctx context.Context, caller sandbox.Caller, _ map[string]any) (*tools.Result, error) {
	out, err := k.reg.List(ctx, scopeOf(caller))
	if err != nil {
		return nil, err
	}
	return result(map[string]any{"skills": out, "count": len(out)}), nil
}

func (k *kit) search(ctx context.Context, caller sandbox.Caller, params map[string]any) (*tools.Result, error) {
	query, _ := tools.OptionalString(params, "query", "")
	out, err := k.reg.Search(ctx, scopeOf(caller), query)
	if err != nil {
		return nil, err
	}
	return result(map[string]any{"query": query, "skills": out, "count": len(out)}), nil
}

func (k *kit) run(ctx context.Context, caller sandbox.Caller, params map[string]any) (*tools.Result, error) {
	name, _ := tools.RequireString(params, "name")
	args, _ := tools.OptionalMap(params, "args")
	timeout, _ := tools.OptionalSeconds(params, "timeout_seconds")
	maxOut, _ := tools.OptionalInt(params, "max_output_bytes", 0)
	res, err := k.reg.Run(ctx, k.runner, caller, name, args, skills.RunOptions{
		Timeout:        timeout,
		MaxOutputBytes: int(maxOut),
	})
	if err != nil {
		return nil, err
	}
	return code.FromSandbox(res)
}

var (
	nameProp = map[string]any{"type": "string", "pattern": "^[A-Za-z0-9_]+$", "maxLength": skills.MaxNameLength}
	strList  = map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
)

func str(desc string) map[string]any {
	if desc == "" {
		return map[string]any{"type": "string"}
	}
	return map[string]any{"type": "string", "description": desc}
}

func object(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func scopeOf(c sandbox.Caller) workspace.Scope {
	return workspace.Scope{Tenant: c.Tenant, Sandbox: c.Sandbox}
}

func result(v any) *tools.Result {
	return &tools.Result{Output: tools.RenderJSON(v), Data: v}
}

func requireName(params map[string]any) error {
	_, err := tools.RequireString(params, "name")
	return err
}

func validateSpec(params map[string]any) error {
	if err := requireName(params); err != nil {
		return err
	}
	if _, err := tools.RequireString(params, "code"); err != nil {
		return err
	}
	for _, key := range []string{"description", "returns"} {
		if _, err := tools.OptionalString(params, key, ""); err != nil {
			return err
		}
	}
	if _, err := tools.OptionalStrings(params, "tags"); err != nil {
		return err
	}
	_, err := tools.StringMap(params, "parameters")
	return err
}

func validatePatch(params map[string]any) error {
	if err := requireName(params); err != nil {
		return err
	}
	if v, err := tools.OptionalInt(params, "version", 0); err != nil {
		return err
	} else if v < 0 {
		return &tools.Error{Kind: tools.KindInvalidArguments, Message: "parameter version must not be negative"}
	}
	for _, key := range []string{"code", "description", "returns"} {
		if _, err := tools.StringPtr(params, key); err != nil {
			return err
		}
	}
	_, err := tools.OptionalStrings(params, "tags")
	return err
}

func validateRun(params map[string]any) error {
	if err := requireName(params); err != nil {
		return err
	}
	if _, err := tools.OptionalMap(params, "args"); err != nil {
		return err
	}
	if _, err := tools.OptionalSeconds(params, "timeout_seconds"); err != nil {
		return err
	}
	_, err := tools.OptionalInt(params, "max_output_bytes", 0)
	return err
}
