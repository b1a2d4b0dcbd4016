// Package repository is the durable store for teams, onboarding requests, permission
// grants and the audit log. The same SQL runs on SQLite and PostgreSQL; placeholders are
// rebound for the active driver.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kubilitics/team-onboarding/migrations"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStale is returned when a compare-and-set update lost against a concurrent writer.
	ErrStale = errors.New("stale version")
	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("duplicate")
)

// SQLRepository implements Repository over sqlx.
type SQLRepository struct {
	db     *sqlx.DB
	driver string
}

// NewSQLiteRepository opens (or creates) a SQLite database. ":memory:" is supported.
func NewSQLiteRepository(dbPath string) (*SQLRepository, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return &SQLRepository{db: db, driver: "sqlite"}, nil
}

// NewPostgresRepository connects to PostgreSQL.
func NewPostgresRepository(connectionString string) (*SQLRepository, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &SQLRepository{db: db, driver: "postgres"}, nil
}

// Open connects using driver "sqlite" (dsn is a path) or "postgres" (dsn is a URL).
func Open(driver, dsn string) (*SQLRepository, error) {
	switch driver {
	case "sqlite":
		return NewSQLiteRepository(dsn)
	case "postgres":
		return NewPostgresRepository(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Driver returns "sqlite" or "postgres".
func (r *SQLRepository) Driver() string { return r.driver }

// Close closes the database connection
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLRepository) provider() (*goose.Provider, error) {
	fsys, err := migrations.FS(r.driver)
	if err != nil {
		return nil, err
	}
	dialect := goose.DialectSQLite3
	if r.driver == "postgres" {
		dialect = goose.DialectPostgres
	}
	return goose.NewProvider(dialect, r.db.DB, fsys)
}

// Migrate applies pending migrations.
func (r *SQLRepository) Migrate(ctx context.Context, logger *slog.Logger) error {
	p, err := r.provider()
	if err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if logger != nil {
		for _, res := range results {
			logger.Info("migration applied", "version", res.Source.Version, "duration", res.Duration)
		}
	}
	return nil
}

// MigrationStatus reports each known migration version and whether it is applied.
func (r *SQLRepository) MigrationStatus(ctx context.Context) (map[int64]bool, error) {
	p, err := r.provider()
	if err != nil {
		return nil, fmt.Errorf("configure goose: %w", err)
	}
	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	out := make(map[int64]bool, len(statuses))
	for _, s := range statuses {
		out[s.Source.Version] = s.State == goose.StateApplied
	}
	return out, nil
}

func (r *SQLRepository) rebind(query string) string {
	return r.db.Rebind(query)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}
