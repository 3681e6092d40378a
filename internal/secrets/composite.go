package secrets

import (
	"context"
	"fmt"
)

// Router dispatches a reference to the provider registered for its scheme.
type Router struct {
	providers map[string]Provider
}

// NewRouter creates a router. Each provider serves the scheme returned by
// its Name.
func NewRouter(providers ...Provider) *Router {
	r := &Router{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Default returns a router over the env and file providers.
func Default() *Router {
	return NewRouter(NewEnvProvider(), NewFileProvider())
}

func (r *Router) Name() string { return "router" }

func (r *Router) Resolve(ctx context.Context, ref string) (*Secret, error) {
	scheme := Scheme(ref)
	if scheme == "" {
		return nil, fmt.Errorf("%w: reference has no scheme", ErrSecretNotFound)
	}
	p, ok := r.providers[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for scheme %q", ErrSecretNotFound, scheme)
	}
	return p.Resolve(ctx, ref)
}
