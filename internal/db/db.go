// Package db maintains the board read model: a queryable projection of
// the work item files used for discovery, status reporting and merge
// chain tracking. The files are the source of truth; everything file
// derived in here is rebuilt by Sync and can be thrown away.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pitboss-dev/pitboss/internal/db/driver"
)

//go:embed schema
var schemaFS embed.FS

// schemaType prefixes the migration files this database applies.
const schemaType = "board"

// Kanban columns derived for every stage at sync time.
const (
	ColumnBacklog    = "backlog"
	ColumnReady      = "ready_for_work"
	ColumnInProgress = "in_progress"
	ColumnDone       = "done"
)

// DB wraps a database connection with driver abstraction.
type DB struct {
	driver driver.Driver
	path   string
}

// Open opens a SQLite board database at the given path, creating the
// parent directory if needed.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	return OpenWithDialect(path, driver.DialectSQLite)
}

// OpenInMemory opens an in-memory SQLite database. Each call creates a
// new isolated database; used heavily in tests.
func OpenInMemory() (*DB, error) {
	return OpenWithDialect(":memory:", driver.DialectSQLite)
}

// OpenWithDialect opens a board database with a specific dialect.
func OpenWithDialect(dsn string, dialect driver.Dialect) (*DB, error) {
	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(dsn); err != nil {
		return nil, err
	}
	return &DB{driver: drv, path: dsn}, nil
}

// Migrate applies pending schema migrations.
func (d *DB) Migrate(ctx context.Context) error {
	return d.driver.Migrate(ctx, schemaFS, schemaType)
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.driver.Close()
}

// Path returns the DSN this database was opened with.
func (d *DB) Path() string { return d.path }

// Driver exposes the underlying driver for advanced operations.
func (d *DB) Driver() driver.Driver { return d.driver }

// The driver rebinds ? placeholders per dialect, so store code below
// writes plain ? everywhere.

func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.driver.Exec(ctx, query, args...)
}

func (d *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.driver.Query(ctx, query, args...)
}

func (d *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.driver.QueryRow(ctx, query, args...)
}

// now returns the timestamp written into TEXT columns. RFC3339 UTC so
// both dialects store and compare the same strings.
func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
