package backend

import (
	"context"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/tools"
)

// Local serves tools from an in-process registry.
type Local struct {
	endpoint string
	reg      *tools.Registry
}

// NewLocal wraps reg as the backend for local://name.
func NewLocal(name string, reg *tools.Registry) *Local {
	return &Local{endpoint: "local://" + name, reg: reg}
}

func (l *Local) Kind() string     { return "local" }
func (l *Local) Endpoint() string { return l.endpoint }

func (l *Local) ListTools(_ context.Context) ([]ToolInfo, error) {
	all := l.reg.All()
	out := make([]ToolInfo, 0, len(all))
	for _, t := range all {
		out = append(out, ToolInfo{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()})
	}
	return out, nil
}

func (l *Local) Call(ctx context.Context, caller sandbox.Caller, tool string, args map[string]any) (*tools.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.reg.Call(ctx, caller, tool, args)
}

func (l *Local) Ping(ctx context.Context) error { return ctx.Err() }

func (l *Local) Close() error { return nil }
