package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/backend"
	"github.com/jkaninda/ngome/internal/catalog"
	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/gateway"
	"github.com/jkaninda/ngome/internal/gateway/httpapi"
	"github.com/jkaninda/ngome/internal/gateway/ws"
	"github.com/jkaninda/ngome/internal/identity"
	"github.com/jkaninda/ngome/internal/ratelimit"
	"github.com/jkaninda/ngome/internal/scheduler"
	"github.com/jkaninda/ngome/internal/secrets"
	"github.com/jkaninda/ngome/internal/storage"
)

// wsPath is where MCP sessions over WebSocket are upgraded.
const wsPath = "/mcp/ws"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway (MCP over HTTP and WebSocket)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	if cfg.Catalog.Path == "" {
		return errors.New("catalog.path is required (set NGOME_CATALOG_PATH env var)")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	db, err := openStorage(ctx, &cfg.Storage, logger)
	if err != nil {
		return err
	}
	c.addCleanup(func() {
		if err := db.Close(); err != nil {
			logger.Error("closing storage", slog.String("error", err.Error()))
		}
	})

	// Identity.
	verifier, keySet, err := buildVerifier(ctx, &cfg.Identity, c.Secrets, db, logger)
	if err != nil {
		return fmt.Errorf("initializing identity: %w", err)
	}

	// Catalog.
	var catalogMetrics catalog.Metrics
	if c.Obs.Metrics != nil {
		catalogMetrics = c.Obs.Metrics
	}
	cat, err := catalog.Open(cfg.Catalog.Path, cfg.Identity.SuperuserRole, catalogMetrics, logger)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	// Audit.
	queue, err := buildAuditQueue(&cfg.Audit, c, db)
	if err != nil {
		return fmt.Errorf("initializing audit: %w", err)
	}

	// Backends.
	backendToken, err := secrets.ResolveValue(ctx, c.Secrets, cfg.Backends.TokenRef)
	if err != nil {
		return fmt.Errorf("resolving backend token: %w", err)
	}
	router := backend.NewRouter(backend.RemoteConfig{
		Token:         backendToken,
		Timeout:       cfg.Backends.Timeout(),
		ClientName:    "ngome",
		ClientVersion: version,
	}, logger)
	router.RegisterLocal(localSandbox, c.Toolkit)
	c.addCleanup(func() {
		if err := router.Close(); err != nil {
			logger.Error("closing backends", slog.String("error", err.Error()))
		}
	})

	// Rate limiting.
	var limiter *ratelimit.Limiter
	deps := gateway.Deps{
		Verifier: verifier,
		Catalog:  cat,
		Backends: router,
		Audit:    queue,
		Metrics:  c.Obs.Dispatch(),
		Tracer:   c.Obs.TracerOrNil(),
	}
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		})
		deps.Limiter = limiter
	}

	dispatcher := gateway.NewDispatcher(gateway.Config{
		Name:           "ngome",
		Version:        version,
		Instructions:   cfg.Server.Instructions,
		DefaultSandbox: cfg.Server.DefaultSandbox,
	}, deps, logger)

	// Health.
	c.Obs.Health.AddCheck("storage", db.Ping)
	c.Obs.Health.AddCheck("backends", router.Ping)
	c.Obs.Health.AddCheck("catalog", func(context.Context) error {
		if cat.Table().Len() == 0 {
			return errors.New("catalog has no tool sets")
		}
		return nil
	})

	// Transports.
	var wsMetrics ws.Metrics
	if c.Obs.Metrics != nil {
		wsMetrics = c.Obs.Metrics
	}
	wsServer := ws.NewServer(dispatcher, ws.Config{
		ReadLimit: cfg.Server.WebSocketReadLimitB,
	}, wsMetrics, logger)

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Server.ListenAddr,
		EnableDocs:     cfg.Server.EnableDocs,
		MaxRequestSize: cfg.Server.MaxRequestBytes,
		SuperuserRole:  cfg.Identity.SuperuserRole,
		Version:        version,
		HealthChecker:  c.Obs.Health,
		Tracer:         c.Obs.TracerOrNil(),
	}
	if c.Obs.Metrics != nil {
		gwCfg.Metrics = c.Obs.Metrics
		gwCfg.MetricsRegistry = c.Obs.Metrics.Registry
		if o := cfg.Observability; o != nil && o.Metrics != nil {
			gwCfg.MetricsPath = o.Metrics.Path
		}
	}
	httpGateway := httpapi.NewGateway(gwCfg, dispatcher, verifier, logger).
		WithCatalog(cat).
		WithHandler(wsPath, wsServer.Handler())
	if cfg.Audit.Database {
		httpGateway.WithAuditLog(db.Audit())
	}

	// Maintenance jobs.
	stopScheduler, err := startScheduler(ctx, cfg, c, cat, keySet, db, limiter)
	if err != nil {
		return err
	}

	go reloadOnHangup(ctx, cat, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- httpGateway.Start(ctx)
	}()
	logger.Info("ngome started",
		slog.String("version", version),
		slog.String("addr", cfg.Server.ListenAddr),
		slog.String("websocket", wsPath),
		slog.Int("tool_sets", cat.Table().Len()),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline. Transports stop first so nothing new
	// reaches the audit queue while it drains.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()

	stopScheduler()
	wsServer.Shutdown(shutdownCtx)
	if err := httpGateway.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	if err := queue.Close(shutdownCtx); err != nil {
		logger.Error("draining audit queue", slog.String("error", err.Error()))
	}
	return nil
}

// reloadOnHangup re-reads the catalog on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, cat *catalog.Catalog, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := cat.Reload(ctx); err != nil {
				logger.Error("catalog reload on SIGHUP failed", slog.String("error", err.Error()))
				continue
			}
			logger.Info("catalog reloaded", slog.Int("tool_sets", cat.Table().Len()))
		}
	}
}

// buildVerifier chains signed token and opaque key verification. The
// returned key set is nil when tokens are not configured with a JWKS source.
func buildVerifier(ctx context.Context, cfg *config.IdentityConfig, sp secrets.Provider, db *storage.DB, logger *slog.Logger) (*identity.Chain, *identity.KeySet, error) {
	chain := &identity.Chain{}
	var keySet *identity.KeySet

	if t := cfg.Token; t != nil {
		if t.JWKSURL != "" {
			keySet = identity.NewKeySet(t.JWKSURL, t.MinRefresh(), nil, logger)
			if err := keySet.Refresh(ctx); err != nil {
				// Keys are fetched again on first use.
				logger.Warn("initial key set fetch failed",
					slog.String("source", t.JWKSURL),
					slog.String("error", err.Error()),
				)
			}
		}
		secret, err := secrets.ResolveValue(ctx, sp, t.HMACSecretRef)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving token HMAC secret: %w", err)
		}
		tv, err := identity.NewTokenVerifier(identity.TokenConfig{
			Audience:    t.Audience,
			Issuer:      t.Issuer,
			RolesClaim:  t.RolesClaim,
			TenantClaim: t.TenantClaim,
			HMACSecret:  []byte(secret),
			Leeway:      t.Leeway(),
		}, keySet)
		if err != nil {
			return nil, nil, err
		}
		chain.Tokens = tv
	}

	if !cfg.APIKeys.Disabled {
		chain.Keys = identity.NewKeyVerifier(db.Keys(), logger)
	}
	if chain.Tokens == nil && chain.Keys == nil {
		return nil, nil, errors.New("no credential type is enabled")
	}
	logger.Debug("identity initialized",
		slog.Bool("tokens", chain.Tokens != nil),
		slog.Bool("api_keys", chain.Keys != nil),
	)
	return chain, keySet, nil
}

// buildAuditQueue fans records out to the JSONL file and, when enabled,
// the database.
func buildAuditQueue(cfg *config.AuditConfig, c *Components, db *storage.DB) (*audit.Queue, error) {
	var sinks audit.MultiSink
	if cfg.File != "" {
		fs, err := audit.NewFileSink(cfg.File)
		if err != nil {
			return nil, err
		}
		c.addCleanup(func() { _ = fs.Close() })
		sinks = append(sinks, fs)
	}
	if cfg.Database {
		sinks = append(sinks, db.Audit())
	}
	if len(sinks) == 0 {
		return nil, errors.New("no audit sink configured")
	}

	var metrics audit.Metrics
	if c.Obs.Metrics != nil {
		metrics = c.Obs.Metrics
	}
	var sink audit.Sink = sinks
	if len(sinks) == 1 {
		sink = sinks[0]
	}
	q := audit.NewQueue(sink, audit.Config{
		Size:         cfg.QueueSize,
		Backpressure: cfg.Backpressure(),
		MaxRetries:   cfg.MaxRetries,
	}, metrics, c.Logger)
	c.Logger.Debug("audit initialized",
		slog.String("file", cfg.File),
		slog.Bool("database", cfg.Database),
	)
	return q, nil
}

// startScheduler registers the maintenance jobs enabled in cfg and starts
// them. The returned function stops the scheduler.
func startScheduler(ctx context.Context, cfg *config.Config, c *Components, cat *catalog.Catalog, keySet *identity.KeySet, db *storage.DB, limiter *ratelimit.Limiter) (func(), error) {
	var metrics *scheduler.Metrics
	if c.Obs.Metrics != nil {
		metrics = scheduler.NewMetrics(c.Obs.Metrics.Registry)
	}
	s := scheduler.New(metrics, c.Logger)

	jobs := []scheduler.Job{
		scheduler.CatalogReload(cfg.Catalog.ReloadSchedule, cat),
	}
	if keySet != nil {
		jobs = append(jobs, scheduler.KeySetRefresh(cfg.Identity.Token.RefreshSchedule, keySet))
	}
	if cfg.Audit.Database {
		jobs = append(jobs, scheduler.AuditRetention(cfg.Audit.RetentionSchedule, db.Audit(), cfg.Audit.Retention(), c.Logger))
	}
	if limiter != nil {
		jobs = append(jobs, scheduler.RateLimitPrune(cfg.RateLimit.PruneSchedule, limiter, 10*time.Minute))
	}
	for _, job := range jobs {
		if err := s.Add(job); err != nil {
			return nil, fmt.Errorf("scheduling maintenance: %w", err)
		}
	}
	if s.Len() == 0 {
		return func() {}, nil
	}
	return s.Start(ctx), nil
}
