// Package storage persists issued keys and audit records through GORM.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL
// (multi-node deployments). All GORM usage is confined to this package and
// its driver subpackages; domain types remain ORM-free.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/ngome/internal/storage/postgres"
	"github.com/jkaninda/ngome/internal/storage/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrDuplicate     = errors.New("duplicate record")
)

// Config selects and configures a backend.
type Config struct {
	Driver   string // "sqlite" (default) or "postgres"
	SQLite   sqlite.Config
	Postgres postgres.Config
}

// DB wraps a GORM database connection with health check and lifecycle methods.
type DB struct {
	gormDB *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects to the configured backend. Call Migrate before use.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	if slogger == nil {
		slogger = slog.Default()
	}
	gcfg := &gorm.Config{
		Logger: logger.New(
			slogAdapter{slogger},
			logger.Config{
				SlowThreshold:             200 * time.Millisecond,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	driver := cfg.Driver
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
		db, err = sqlite.Open(cfg.SQLite, gcfg, slogger)
	case DriverPostgres:
		db, err = postgres.Open(cfg.Postgres, gcfg, slogger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return &DB{gormDB: db, driver: driver, logger: slogger}, nil
}

// Migrate creates or updates the tables.
func (d *DB) Migrate(ctx context.Context) error {
	if err := d.gormDB.WithContext(ctx).AutoMigrate(&KeyModel{}, &AuditRecordModel{}); err != nil {
		return fmt.Errorf("auto-migrating: %w", err)
	}
	return nil
}

// Driver returns the backend name.
func (d *DB) Driver() string { return d.driver }

// GormDB returns the underlying *gorm.DB for repository constructors.
func (d *DB) GormDB() *gorm.DB { return d.gormDB }

// Keys returns the key repository.
func (d *DB) Keys() *KeyRepository { return NewKeyRepository(d.gormDB) }

// Audit returns the audit repository.
func (d *DB) Audit() *AuditRepository { return NewAuditRepository(d.gormDB) }

// Ping checks the database connection for health and readiness checks.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isDuplicate reports a unique constraint violation, translated or raw.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "gorm"))
}
