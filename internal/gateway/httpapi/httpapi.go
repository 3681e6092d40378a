// Package httpapi serves the gateway over HTTP.
//
// Routes:
//   - POST /mcp: one JSON-RPC message per request, credential from the
//     Authorization header, body capped at MaxRequestSize
//   - GET /healthz, GET /readyz: liveness and dependency readiness
//   - GET /metrics: prometheus exposition (when a registry is configured)
//   - /v1/...: superuser administration (audit query, catalog reload)
//
// TLS is expected to terminate at a reverse proxy.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/gateway"
	"github.com/jkaninda/ngome/internal/identity"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/storage"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	MaxRequestSize int64  // Maximum request body in bytes. 0 = 1 MB default.
	SuperuserRole  string // Role required on /v1 admin routes.
	Version        string

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// AuditQuerier reads stored audit records. *storage.AuditRepository
// implements it.
type AuditQuerier interface {
	Query(ctx context.Context, f storage.AuditFilter) ([]audit.Record, error)
}

// Reloader re-reads the tool catalog. *catalog.Catalog implements it.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config   Config
	mcp      *MCPHandler
	verifier identity.Verifier
	logger   *slog.Logger
	server   *http.Server

	// Admin routes are mounted only when their dependency is set.
	auditLog AuditQuerier
	catalog  Reloader

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP gateway that feeds d.
func NewGateway(cfg Config, d *gateway.Dispatcher, v identity.Verifier, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:   cfg,
		mcp:      NewMCPHandler(d, cfg.MaxRequestSize, logger),
		verifier: v,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithAuditLog enables GET /v1/audit.
func (g *Gateway) WithAuditLog(q AuditQuerier) *Gateway {
	g.auditLog = q
	return g
}

// WithCatalog enables POST /v1/catalog/reload.
func (g *Gateway) WithCatalog(r Reloader) *Gateway {
	g.catalog = r
	return g
}

// WithHandler mounts an additional GET handler on the HTTP mux at the given
// pattern. Used for the WebSocket endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	version := g.config.Version
	if version == "" {
		version = "dev"
	}
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Ngome",
			Version: version,
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// The dispatcher authenticates each message itself.
	g.okapi.HandleStd("POST", "/mcp", g.mcp.ServeHTTP)

	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	if g.auditLog != nil || g.catalog != nil {
		g.group = g.okapi.Group("/v1", g.authenticate)
		if g.auditLog != nil {
			g.group.Get("/audit", g.handleAuditQuery,
				okapi.DocSummary("Query audit records"),
				okapi.DocTags("Admin"),
				okapi.DocResponse([]AuditRecordResponse{}),
				okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
				okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
			)
		}
		if g.catalog != nil {
			g.group.Post("/catalog/reload", g.handleCatalogReload,
				okapi.DocSummary("Reload the tool catalog"),
				okapi.DocTags("Admin"),
				okapi.DocResponse(map[string]string{}),
				okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
				okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
			)
		}
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

var _ gateway.Gateway = (*Gateway)(nil)

// --- Health ---

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(observability.HealthStatus{Status: observability.StatusOK})
	}
	return c.OK(g.config.HealthChecker.CheckHealth())
}

func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(observability.HealthStatus{Status: observability.StatusOK})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	if status.Status != observability.StatusOK {
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.OK(status)
}

// --- Authentication ---

// authenticate admits only verified callers holding the superuser role.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		credential := identity.BearerToken(c.Header("Authorization"))
		if credential == "" {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		id, err := g.verifier.Verify(c.Context(), credential)
		if err != nil {
			return c.AbortUnauthorized("invalid credential")
		}
		if !id.HasRole(g.config.SuperuserRole) {
			g.logger.Warn("admin access denied",
				slog.String("subject", id.Subject),
				slog.String("tenant", id.Tenant),
			)
			return c.AbortUnauthorized("superuser role required")
		}
		c.Set("subject", id.Subject)
		return next(c)
	}
}
