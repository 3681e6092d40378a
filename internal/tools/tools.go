// Package tools defines the tool interface and registry a sandbox backend
// serves. Every call runs for a sandbox.Caller carried in the context, which
// scopes workspace and skills access to one tenant/sandbox pair.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jkaninda/ngome/internal/sandbox"
)

// Tool is the interface all backend tools implement.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "execute_code").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's parameters.
	InputSchema() map[string]any

	// Validate checks that params are well-formed before Execute is called.
	Validate(params map[string]any) error

	// Execute runs the tool. Failures are returned as errors that Classify
	// can map to a Kind.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	// Output is the text rendering of the result.
	Output string `json:"output"`
	// Data is the structured form, if any.
	Data any `json:"data,omitempty"`
	// Status is set by code-running tools to the sandbox status.
	Status sandbox.Status `json:"status,omitempty"`
}

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const callerKey contextKey = iota

// ContextWithCaller returns a new context carrying the caller.
func ContextWithCaller(ctx context.Context, c sandbox.Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFromContext extracts the caller from ctx. ok is false if none was set.
func CallerFromContext(ctx context.Context) (sandbox.Caller, bool) {
	c, ok := ctx.Value(callerKey).(sandbox.Caller)
	return c, ok
}

// Registry holds available tools keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds tools. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(ts ...Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range ts {
		if _, exists := r.tools[t.Name()]; exists {
			panic("duplicate tool registration: " + t.Name())
		}
		r.tools[t.Name()] = t
	}
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Call validates params and executes the named tool for caller.
func (r *Registry) Call(ctx context.Context, caller sandbox.Caller, name string, params map[string]any) (*Result, error) {
	t := r.Get(name)
	if t == nil {
		return nil, &Error{Kind: KindUnknownTool, Message: fmt.Sprintf("unknown tool %q", name)}
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := t.Validate(params); err != nil {
		var te *Error
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, &Error{Kind: KindInvalidArguments, Message: err.Error()}
	}
	return t.Execute(ContextWithCaller(ctx, caller), params)
}
