package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/tools"
)

// Factory creates the backend for an endpoint of one scheme.
type Factory func(endpoint *url.URL) (Backend, error)

// Router resolves tool set endpoints to backends. Backends are created on
// first resolution and cached by endpoint.
type Router struct {
	mu        sync.RWMutex
	backends  map[string]Backend
	factories map[string]Factory
	logger    *slog.Logger
}

// NewRouter creates a router. remote configures backends for http and https
// endpoints; its URL is taken from the endpoint.
func NewRouter(remote RemoteConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		backends:  make(map[string]Backend),
		factories: make(map[string]Factory),
		logger:    logger,
	}
	dial := func(u *url.URL) (Backend, error) {
		cfg := remote
		cfg.URL = u.String()
		return NewRemote(cfg, logger), nil
	}
	r.factories["http"] = dial
	r.factories["https"] = dial
	return r
}

// RegisterFactory sets the factory for a scheme, replacing any existing one.
func (r *Router) RegisterFactory(scheme string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = f
}

// RegisterLocal serves local://name from reg.
func (r *Router) RegisterLocal(name string, reg *tools.Registry) {
	b := NewLocal(name, reg)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Endpoint()] = b
}

// Resolve returns the backend for endpoint.
func (r *Router) Resolve(endpoint string) (Backend, error) {
	r.mu.RLock()
	b, ok := r.backends[endpoint]
	r.mu.RUnlock()
	if ok {
		return b, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing backend endpoint %q: %w", endpoint, err)
	}
	if u.Scheme == "local" {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, endpoint)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[endpoint]; ok {
		return b, nil
	}
	f, ok := r.factories[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	b, err = f(u)
	if err != nil {
		return nil, fmt.Errorf("creating backend for %s: %w", endpoint, err)
	}
	r.backends[endpoint] = b
	r.logger.Debug("backend resolved", slog.String("endpoint", endpoint), slog.String("kind", b.Kind()))
	return b, nil
}

// Call invokes tool on the backend serving endpoint. An endpoint that cannot
// be resolved is reported as an unavailable backend.
func (r *Router) Call(ctx context.Context, endpoint string, caller sandbox.Caller, tool string, args map[string]any) (*tools.Result, error) {
	b, err := r.Resolve(endpoint)
	if err != nil {
		r.logger.Error("resolving backend", slog.String("endpoint", endpoint), slog.Any("error", err))
		return nil, unavailable(endpoint)
	}
	return b.Call(ctx, caller, tool, args)
}

// Ping checks every resolved backend and joins the failures.
func (r *Router) Ping(ctx context.Context) error {
	var errs []error
	for _, b := range r.list() {
		if err := b.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every resolved backend.
func (r *Router) Close() error {
	var errs []error
	for _, b := range r.list() {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", b.Endpoint(), err))
		}
	}
	return errors.Join(errs...)
}

// Endpoints returns the resolved endpoints, sorted.
func (r *Router) Endpoints() []string {
	bs := r.list()
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Endpoint())
	}
	sort.Strings(out)
	return out
}

func (r *Router) list() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	return out
}
