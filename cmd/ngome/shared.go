package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/secrets"
	"github.com/jkaninda/ngome/internal/skills"
	"github.com/jkaninda/ngome/internal/storage"
	"github.com/jkaninda/ngome/internal/storage/postgres"
	"github.com/jkaninda/ngome/internal/storage/sqlite"
	"github.com/jkaninda/ngome/internal/tools"
	"github.com/jkaninda/ngome/internal/tools/code"
	"github.com/jkaninda/ngome/internal/tools/discovery"
	"github.com/jkaninda/ngome/internal/tools/file"
	"github.com/jkaninda/ngome/internal/tools/logs"
	"github.com/jkaninda/ngome/internal/tools/privacy"
	"github.com/jkaninda/ngome/internal/tools/skill"
	"github.com/jkaninda/ngome/internal/workspace"
)

// localSandbox is the name of the in-process sandbox backend, addressed by
// catalog endpoints as "local://sandbox".
const localSandbox = "sandbox"

// Components holds the subsystems shared by the serve and sandbox
// commands. Built once by initShared, torn down by Cleanup.
type Components struct {
	Config  *config.Config
	Logger  *slog.Logger
	Obs     *observability.Observability
	Secrets secrets.Provider

	Workspace *workspace.Store
	Skills    *skills.Registry
	Engine    *sandbox.Engine
	Runner    sandbox.Runner // Engine, instrumented when observability is on.
	Toolkit   *tools.Registry

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *Components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *Components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// loadConfig reads the config file named by --config, or the defaults when
// none is given.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// initShared builds observability, the workspace store and the sandbox
// toolkit. Callers must call c.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*Components, error) {
	c := &Components{
		Config:  cfg,
		Logger:  logger,
		Secrets: secrets.Default(),
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", cfg.DataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized", slog.Any("features", obs.Features()))

	// Workspace.
	store, err := initWorkspace(&cfg.Workspace, logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	c.Workspace = store
	logger.Debug("workspace initialized",
		slog.String("driver", cfg.Workspace.Driver),
		slog.String("root", cfg.Workspace.Root),
	)

	buildToolkit(c)
	logger.Debug("sandbox toolkit initialized",
		slog.Any("modules", c.Engine.Modules()),
		slog.Int("tools", len(c.Toolkit.All())),
	)
	return c, nil
}

func initWorkspace(cfg *config.WorkspaceConfig, logger *slog.Logger) (*workspace.Store, error) {
	var backend workspace.Backend
	switch cfg.Driver {
	case "memory":
		backend = workspace.NewMemoryBackend()
	default:
		fs, err := workspace.NewFSBackend(cfg.Root)
		if err != nil {
			return nil, err
		}
		backend = fs
	}
	return workspace.New(backend, workspace.Config{
		QuotaBytes:        cfg.QuotaBytes,
		TenantQuotas:      cfg.TenantQuotas,
		MaxFileBytes:      cfg.MaxFileBytes,
		AllowedExtensions: cfg.AllowedExtensions,
	}, logger), nil
}

// buildToolkit assembles the engine with every shipped capability and the
// tool registry served by the sandbox backend.
func buildToolkit(c *Components) {
	cfg := &c.Config.Sandbox
	logReader := logs.NewReader(c.Workspace)
	c.Skills = skills.NewRegistry(c.Workspace, c.Logger)

	caps := append(sandbox.StandardModules(),
		file.Capability(c.Workspace),
		skills.Capability(c.Skills),
		privacy.Capability(),
		logs.Capability(logReader),
		sandbox.DiscoveryModule(),
	)
	c.Engine = sandbox.NewEngine(sandbox.Config{
		DefaultTimeout:     cfg.DefaultTimeout(),
		MaxTimeout:         cfg.MaxTimeout(),
		DefaultOutputBytes: cfg.DefaultOutputBytes,
		MaxOutputBytes:     cfg.MaxOutputBytes,
		MaxSteps:           cfg.MaxSteps,
		MaxDepth:           cfg.MaxSkillDepth,
		AllowedModules:     cfg.AllowedModules,
	}, c.Logger, caps...)

	c.Runner = c.Engine
	if c.Obs.Metrics != nil || c.Obs.Tracer != nil || c.Obs.Anomaly != nil {
		c.Runner = observability.NewInstrumentedRunner(c.Engine, c.Obs.Metrics, c.Obs.Tracer, c.Obs.Anomaly)
	}

	c.Toolkit = tools.NewRegistry()
	c.Toolkit.Register(code.NewTool(c.Runner, c.Engine.Modules(), c.Logger))
	c.Toolkit.Register(file.NewTools(c.Workspace, c.Logger)...)
	c.Toolkit.Register(skill.NewTools(c.Skills, c.Runner, c.Logger)...)
	c.Toolkit.Register(logs.NewTools(logReader)...)
	c.Toolkit.Register(privacy.NewTool())
	c.Toolkit.Register(discovery.NewTools(c.Engine)...)
}

// openStorage connects to the configured database and migrates it.
func openStorage(ctx context.Context, cfg *config.StorageConfig, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.Open(storage.Config{
		Driver: cfg.StorageDriver(),
		SQLite: sqlite.Config{
			Path:        cfg.SQLite.Path,
			JournalMode: cfg.SQLite.JournalMode,
		},
		Postgres: postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Postgres.ConnMaxLifetimeS) * time.Second,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s storage: %w", cfg.StorageDriver(), err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating storage: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", db.Driver()))
	return db, nil
}
