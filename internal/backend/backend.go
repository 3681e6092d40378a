// Package backend routes tool calls to the execution backend serving a tool
// set. A backend is either the in-process tool registry (local://<name>) or a
// remote sandbox speaking MCP over streamable HTTP (http:// or https://).
package backend

import (
	"context"
	"errors"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/tools"
)

// Common errors for backend operations.
var (
	ErrBackendNotFound    = errors.New("backend not found")
	ErrUnsupportedScheme  = errors.New("unsupported backend endpoint scheme")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Backend is a source of tools.
//
// Implementations must be safe for concurrent use and honor context
// cancellation. Call failures are returned as errors tools.Classify maps to a
// Kind; an unreachable backend yields tools.KindBackendUnavailable.
type Backend interface {
	// Kind returns the backend type ("local" or "mcp").
	Kind() string

	// Endpoint returns the endpoint the backend was resolved from.
	Endpoint() string

	// ListTools returns the tools the backend serves.
	ListTools(ctx context.Context) ([]ToolInfo, error)

	// Call invokes tool for caller.
	Call(ctx context.Context, caller sandbox.Caller, tool string, args map[string]any) (*tools.Result, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases connections held by the backend.
	Close() error
}

// ToolInfo describes a tool a backend serves.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// unavailable is the caller-facing error for a backend that could not be reached.
func unavailable(endpoint string) *tools.Error {
	return &tools.Error{Kind: tools.KindBackendUnavailable, Message: "backend " + endpoint + " is unavailable"}
}
