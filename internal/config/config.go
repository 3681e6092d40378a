// Package config handles loading and validating ngome configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for ngome.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.ngome. Override: NGOME_DATA_DIR env var.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Identity      IdentityConfig       `json:"identity" yaml:"identity"`
	Storage       StorageConfig        `json:"storage" yaml:"storage"`
	Catalog       CatalogConfig        `json:"catalog" yaml:"catalog"`
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Workspace     WorkspaceConfig      `json:"workspace" yaml:"workspace"`
	Backends      BackendsConfig       `json:"backends" yaml:"backends"`
	RateLimit     RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the gateway listener.
type ServerConfig struct {
	ListenAddr          string `json:"listen_addr" yaml:"listen_addr"`                       // Default: ":8080". Override: NGOME_LISTEN_ADDR.
	MaxRequestBytes     int64  `json:"max_request_bytes" yaml:"max_request_bytes"`           // Default: 1 MiB.
	ShutdownTimeoutS    int    `json:"shutdown_timeout_s" yaml:"shutdown_timeout_s"`         // Default: 15.
	DefaultSandbox      string `json:"default_sandbox" yaml:"default_sandbox"`               // Default: "default".
	Instructions        string `json:"instructions,omitempty" yaml:"instructions,omitempty"` // Sent in the initialize result.
	EnableDocs          bool   `json:"enable_docs" yaml:"enable_docs"`
	WebSocketReadLimitB int64  `json:"websocket_read_limit_bytes" yaml:"websocket_read_limit_bytes"` // Default: max_request_bytes.
}

// ShutdownTimeout returns the graceful shutdown grace period.
func (s *ServerConfig) ShutdownTimeout() time.Duration {
	if s.ShutdownTimeoutS > 0 {
		return time.Duration(s.ShutdownTimeoutS) * time.Second
	}
	return 15 * time.Second
}

// IdentityConfig configures credential verification.
type IdentityConfig struct {
	SuperuserRole string       `json:"superuser_role" yaml:"superuser_role"`   // Default: "superuser".
	Token         *TokenConfig `json:"token,omitempty" yaml:"token,omitempty"` // nil = signed tokens rejected.
	APIKeys       APIKeyConfig `json:"api_keys" yaml:"api_keys"`
}

// TokenConfig configures signed token verification.
type TokenConfig struct {
	Audience        string `json:"audience" yaml:"audience"`
	Issuer          string `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	JWKSURL         string `json:"jwks_url,omitempty" yaml:"jwks_url,omitempty"`               // http(s):// or file path. Override: NGOME_JWKS_URL.
	HMACSecretRef   string `json:"hmac_secret_ref,omitempty" yaml:"hmac_secret_ref,omitempty"` // env:// or file:// reference.
	RolesClaim      string `json:"roles_claim,omitempty" yaml:"roles_claim,omitempty"`
	TenantClaim     string `json:"tenant_claim,omitempty" yaml:"tenant_claim,omitempty"`
	LeewayS         int    `json:"leeway_s" yaml:"leeway_s"`
	MinRefreshS     int    `json:"min_refresh_s" yaml:"min_refresh_s"`       // Minimum spacing of on-demand key set fetches. Default: 60.
	RefreshSchedule string `json:"refresh_schedule" yaml:"refresh_schedule"` // Cron expression. Default: "*/15 * * * *".
}

// Leeway returns the allowed clock skew.
func (t *TokenConfig) Leeway() time.Duration { return time.Duration(t.LeewayS) * time.Second }

// MinRefresh returns the minimum key set refresh spacing.
func (t *TokenConfig) MinRefresh() time.Duration {
	if t.MinRefreshS > 0 {
		return time.Duration(t.MinRefreshS) * time.Second
	}
	return time.Minute
}

// APIKeyConfig configures opaque key verification.
type APIKeyConfig struct {
	Disabled bool `json:"disabled" yaml:"disabled"`
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   SQLiteStorageConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresStorageConfig `json:"postgres" yaml:"postgres"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/ngome.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: NGOME_DATABASE_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// CatalogConfig locates the tool catalog.
type CatalogConfig struct {
	Path           string `json:"path" yaml:"path"`                       // Override: NGOME_CATALOG_PATH.
	ReloadSchedule string `json:"reload_schedule" yaml:"reload_schedule"` // Cron expression. Empty = no periodic reload.
}

// AuditConfig configures the audit queue and its sinks.
type AuditConfig struct {
	File              string `json:"file,omitempty" yaml:"file,omitempty"` // JSONL path. Empty = <data_dir>/audit.jsonl unless database-only.
	Database          bool   `json:"database" yaml:"database"`             // Also persist records in storage.
	QueueSize         int    `json:"queue_size" yaml:"queue_size"`
	BackpressureMS    int    `json:"backpressure_ms" yaml:"backpressure_ms"` // Default: 5.
	MaxRetries        int    `json:"max_retries" yaml:"max_retries"`
	RetentionDays     int    `json:"retention_days" yaml:"retention_days"` // 0 = keep forever.
	RetentionSchedule string `json:"retention_schedule" yaml:"retention_schedule"`
}

// Backpressure returns how long a full queue blocks before dropping.
func (a *AuditConfig) Backpressure() time.Duration {
	return time.Duration(a.BackpressureMS) * time.Millisecond
}

// Retention returns the audit retention period, or 0 to keep everything.
func (a *AuditConfig) Retention() time.Duration {
	return time.Duration(a.RetentionDays) * 24 * time.Hour
}

// SandboxConfig configures the execution engine and the standalone sandbox
// server.
type SandboxConfig struct {
	ListenAddr         string   `json:"listen_addr" yaml:"listen_addr"` // Standalone sandbox server. Default: ":8090".
	TokenRef           string   `json:"token_ref,omitempty" yaml:"token_ref,omitempty"`
	DefaultTimeoutS    int      `json:"default_timeout_s" yaml:"default_timeout_s"`
	MaxTimeoutS        int      `json:"max_timeout_s" yaml:"max_timeout_s"`
	DefaultOutputBytes int      `json:"default_output_bytes" yaml:"default_output_bytes"`
	MaxOutputBytes     int      `json:"max_output_bytes" yaml:"max_output_bytes"`
	MaxSteps           uint64   `json:"max_steps" yaml:"max_steps"`
	MaxSkillDepth      int      `json:"max_skill_depth" yaml:"max_skill_depth"`
	AllowedModules     []string `json:"allowed_modules,omitempty" yaml:"allowed_modules,omitempty"` // nil = every module.
}

// DefaultTimeout returns the per-job default timeout, or 0 for the engine default.
func (s *SandboxConfig) DefaultTimeout() time.Duration {
	return time.Duration(s.DefaultTimeoutS) * time.Second
}

// MaxTimeout returns the per-job timeout ceiling, or 0 for the engine default.
func (s *SandboxConfig) MaxTimeout() time.Duration {
	return time.Duration(s.MaxTimeoutS) * time.Second
}

// WorkspaceConfig configures the workspace store.
type WorkspaceConfig struct {
	Driver            string           `json:"driver" yaml:"driver"`                 // "fs" (default) or "memory".
	Root              string           `json:"root,omitempty" yaml:"root,omitempty"` // Default: <data_dir>/workspaces. Override: NGOME_WORKSPACE_ROOT.
	QuotaBytes        int64            `json:"quota_bytes" yaml:"quota_bytes"`
	TenantQuotas      map[string]int64 `json:"tenant_quotas,omitempty" yaml:"tenant_quotas,omitempty"`
	MaxFileBytes      int64            `json:"max_file_bytes" yaml:"max_file_bytes"`
	AllowedExtensions []string         `json:"allowed_extensions,omitempty" yaml:"allowed_extensions,omitempty"`
}

// BackendsConfig configures calls to remote sandboxes.
type BackendsConfig struct {
	TokenRef string `json:"token_ref,omitempty" yaml:"token_ref,omitempty"` // Override: NGOME_BACKEND_TOKEN (literal).
	TimeoutS int    `json:"timeout_s" yaml:"timeout_s"`
}

// Timeout returns the remote call timeout, or 0 for the default.
func (b *BackendsConfig) Timeout() time.Duration { return time.Duration(b.TimeoutS) * time.Second }

// RateLimitConfig configures per-caller rate limiting of tool calls.
type RateLimitConfig struct {
	RequestsPerMinute int    `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int    `json:"burst_size" yaml:"burst_size"`
	PruneSchedule     string `json:"prune_schedule" yaml:"prune_schedule"`
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "ngome"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures error-rate alarms on backend calls.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300.
	MinSamples         int     `json:"min_samples" yaml:"min_samples"`                   // Default: 5.
}

// DefaultConfigPath returns the default config file path (~/.ngome/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/ngome.yaml"
	}
	return filepath.Join(home, ".ngome", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. An empty path yields the defaults. Environment variables
// take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		if err := Unmarshal(data, filepath.Ext(resolved), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Unmarshal decodes data as YAML when ext is .yml or .yaml and as JSON
// otherwise.
func Unmarshal(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func (c *Config) applyEnv() {
	c.DataDir = goutils.Env("NGOME_DATA_DIR", c.DataDir)
	c.Server.ListenAddr = goutils.Env("NGOME_LISTEN_ADDR", c.Server.ListenAddr)
	c.Catalog.Path = goutils.Env("NGOME_CATALOG_PATH", c.Catalog.Path)
	c.Workspace.Root = goutils.Env("NGOME_WORKSPACE_ROOT", c.Workspace.Root)
	c.Sandbox.ListenAddr = goutils.Env("NGOME_SANDBOX_LISTEN_ADDR", c.Sandbox.ListenAddr)

	if dsn := goutils.Env("NGOME_DATABASE_DSN", ""); dsn != "" {
		c.Storage.Driver = "postgres"
		c.Storage.Postgres.DSN = dsn
	}
	if url := goutils.Env("NGOME_JWKS_URL", ""); url != "" {
		if c.Identity.Token == nil {
			c.Identity.Token = &TokenConfig{}
		}
		c.Identity.Token.JWKSURL = url
	}
	if os.Getenv("NGOME_BACKEND_TOKEN") != "" {
		c.Backends.TokenRef = "env://NGOME_BACKEND_TOKEN"
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			c.DataDir = "data"
		} else {
			c.DataDir = filepath.Join(home, ".ngome")
		}
	} else if resolved, err := resolvePath(c.DataDir); err == nil {
		c.DataDir = resolved
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.MaxRequestBytes <= 0 {
		c.Server.MaxRequestBytes = 1 << 20
	}
	if c.Server.WebSocketReadLimitB <= 0 {
		c.Server.WebSocketReadLimitB = c.Server.MaxRequestBytes
	}
	if c.Server.DefaultSandbox == "" {
		c.Server.DefaultSandbox = "default"
	}
	if c.Identity.SuperuserRole == "" {
		c.Identity.SuperuserRole = "superuser"
	}
	if t := c.Identity.Token; t != nil && t.RefreshSchedule == "" && t.JWKSURL != "" {
		t.RefreshSchedule = "*/15 * * * *"
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = filepath.Join(c.DataDir, "ngome.db")
	}
	if c.Audit.File == "" && !c.Audit.Database {
		c.Audit.File = filepath.Join(c.DataDir, "audit.jsonl")
	}
	if c.Audit.BackpressureMS <= 0 {
		c.Audit.BackpressureMS = 5
	}
	if c.Audit.RetentionDays > 0 && c.Audit.RetentionSchedule == "" {
		c.Audit.RetentionSchedule = "0 3 * * *"
	}
	if c.Sandbox.ListenAddr == "" {
		c.Sandbox.ListenAddr = ":8090"
	}
	if c.Workspace.Driver == "" {
		c.Workspace.Driver = "fs"
	}
	if c.Workspace.Root == "" {
		c.Workspace.Root = filepath.Join(c.DataDir, "workspaces")
	}
	if c.RateLimit.RequestsPerMinute > 0 && c.RateLimit.PruneSchedule == "" {
		c.RateLimit.PruneSchedule = "*/10 * * * *"
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) validate() error {
	switch c.Storage.StorageDriver() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set NGOME_DATABASE_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}
	switch c.Workspace.Driver {
	case "fs", "memory":
	default:
		return fmt.Errorf("workspace.driver %q is not supported (use fs or memory)", c.Workspace.Driver)
	}
	if c.Workspace.QuotaBytes < 0 || c.Workspace.MaxFileBytes < 0 {
		return fmt.Errorf("workspace quotas must not be negative")
	}
	for tenant, q := range c.Workspace.TenantQuotas {
		if q <= 0 {
			return fmt.Errorf("workspace.tenant_quotas.%s must be positive", tenant)
		}
	}
	for _, ext := range c.Workspace.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("workspace.allowed_extensions: %q must start with a dot", ext)
		}
	}
	if c.Sandbox.DefaultTimeoutS < 0 || c.Sandbox.MaxTimeoutS < 0 {
		return fmt.Errorf("sandbox timeouts must not be negative")
	}
	if c.Sandbox.MaxTimeoutS > 0 && c.Sandbox.DefaultTimeoutS > c.Sandbox.MaxTimeoutS {
		return fmt.Errorf("sandbox.default_timeout_s exceeds sandbox.max_timeout_s")
	}
	if c.Sandbox.DefaultOutputBytes < 0 || c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox output limits must not be negative")
	}
	if t := c.Identity.Token; t != nil {
		if t.Audience == "" {
			return fmt.Errorf("identity.token.audience is required")
		}
		if t.JWKSURL == "" && t.HMACSecretRef == "" {
			return fmt.Errorf("identity.token requires jwks_url or hmac_secret_ref")
		}
	}
	if c.Identity.Token == nil && c.Identity.APIKeys.Disabled {
		return fmt.Errorf("identity: at least one of token or api_keys must be enabled")
	}
	if c.Audit.QueueSize < 0 || c.Audit.MaxRetries < 0 || c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit settings must not be negative")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.BurstSize < 0 {
		return fmt.Errorf("rate_limit settings must not be negative")
	}
	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled {
		switch o.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", o.Tracing.Protocol)
		}
	}
	return nil
}
