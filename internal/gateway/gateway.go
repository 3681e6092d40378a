// Package gateway implements the protocol dispatcher that sits between
// clients and execution backends. Each request is authenticated,
// authorized against the tool catalog, routed to its backend and recorded
// in the audit log exactly once. Transports live in the httpapi and ws
// subpackages.
package gateway

import (
	"context"
	"time"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/catalog"
	"github.com/jkaninda/ngome/internal/identity"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/tools"
)

// Gateway is a network entry point (HTTP, WebSocket).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}

// Resolver answers authorization questions. *catalog.Catalog implements it.
type Resolver interface {
	ToolsFor(id *identity.Identity) []catalog.ToolSet
	Resolve(id *identity.Identity, qualified string) (*catalog.ToolSet, *catalog.Tool, error)
}

// Router forwards a tool call to the backend serving endpoint.
// *backend.Router implements it.
type Router interface {
	Call(ctx context.Context, endpoint string, caller sandbox.Caller, tool string, args map[string]any) (*tools.Result, error)
}

// Auditor accepts audit records without blocking for long. *audit.Queue
// implements it.
type Auditor interface {
	Enqueue(r audit.Record) bool
}

// Limiter throttles tool calls per caller. *ratelimit.Limiter implements it.
type Limiter interface {
	Allow(key string) error
}

// Metrics receives dispatch outcomes. observability.MetricsCollector
// implements it.
type Metrics interface {
	RequestHandled(method, status string, d time.Duration)
	BackendCall(toolSet, outcome string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RequestHandled(string, string, time.Duration) {}
func (nopMetrics) BackendCall(string, string, time.Duration)    {}
