package catalog

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/ngome/internal/identity"
)

// File is the on-disk catalog document. JSON is accepted as well since it is
// a subset of YAML.
type File struct {
	ToolSets []ToolSet `yaml:"tool_sets" json:"tool_sets"`
}

// Parse builds a table from a catalog document.
func Parse(data []byte, superuser string) (*Table, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
	}
	t, err := NewTable(f.ToolSets, superuser)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(data)
	t.digest = hex.EncodeToString(sum[:])
	return t, nil
}

// LoadFile reads and parses the catalog at path.
func LoadFile(path, superuser string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	return Parse(data, superuser)
}

// Metrics receives reload outcomes. observability.MetricsCollector implements it.
type Metrics interface {
	CatalogReloaded(ok bool)
}

type nopMetrics struct{}

func (nopMetrics) CatalogReloaded(bool) {}

// Catalog holds the current table. Lookups read one atomic snapshot and never
// block on a reload.
type Catalog struct {
	path      string
	superuser string
	metrics   Metrics
	logger    *slog.Logger

	table    atomic.Pointer[Table]
	reloadMu sync.Mutex
}

// New returns a catalog serving t. Reload is a no-op without a path.
func New(t *Table, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{superuser: t.superuser, metrics: nopMetrics{}, logger: logger}
	c.table.Store(t)
	return c
}

// Open loads the catalog at path. metrics may be nil.
func Open(path, superuser string, metrics Metrics, logger *slog.Logger) (*Catalog, error) {
	t, err := LoadFile(path, superuser)
	if err != nil {
		return nil, err
	}
	c := New(t, logger)
	c.path = path
	if metrics != nil {
		c.metrics = metrics
	}
	c.logger.Info("catalog loaded",
		slog.String("path", path),
		slog.Int("tool_sets", t.Len()),
	)
	return c, nil
}

// Table returns the current snapshot.
func (c *Catalog) Table() *Table { return c.table.Load() }

// Reload re-reads the catalog file. A document that fails to parse or
// validate is rejected and the current table stays in place. An unchanged
// document is not swapped.
func (c *Catalog) Reload(_ context.Context) error {
	if c.path == "" {
		return nil
	}
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	t, err := LoadFile(c.path, c.superuser)
	if err != nil {
		c.metrics.CatalogReloaded(false)
		c.logger.Error("catalog reload rejected, keeping current table",
			slog.String("path", c.path),
			slog.Any("error", err),
		)
		return err
	}
	c.metrics.CatalogReloaded(true)
	if old := c.table.Load(); old.digest == t.digest {
		return nil
	}
	c.table.Store(t)
	c.logger.Info("catalog reloaded",
		slog.String("path", c.path),
		slog.Int("tool_sets", t.Len()),
		slog.String("digest", t.digest[:12]),
	)
	return nil
}

// ToolsFor returns the tool sets id may use, in configured order.
func (c *Catalog) ToolsFor(id *identity.Identity) []ToolSet {
	return c.Table().ToolsFor(id)
}

// Authorize reports whether id may use the named tool set.
func (c *Catalog) Authorize(id *identity.Identity, toolSet string) error {
	return c.Table().Authorize(id, toolSet)
}

// Resolve looks up a published tool name for id.
func (c *Catalog) Resolve(id *identity.Identity, qualified string) (*ToolSet, *Tool, error) {
	return c.Table().Resolve(id, qualified)
}
