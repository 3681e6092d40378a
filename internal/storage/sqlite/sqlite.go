// Package sqlite opens the embedded SQLite database through the glebarez
// GORM driver (modernc.org/sqlite, pure Go, no CGO).
//
// Differences from the PostgreSQL backend:
//   - WAL mode enabled by default for concurrent reads
//   - No connection pool tuning (single file, WAL handles concurrency)
//   - JSON columns are stored as TEXT
package sqlite

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// Open opens (creating if needed) the database file at cfg.Path.
func Open(cfg Config, gcfg *gorm.Config, logger *slog.Logger) (*gorm.DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), gcfg)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	logger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return db, nil
}
