// Package db provides database connection management for a sync node.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the node's data directory.
const FileName = "nodesync.db"

// Querier is satisfied by *sql.DB, *sql.Tx and *DB so that stores can run
// either standalone or inside a caller's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DB wraps the sql.DB with nodesync-specific configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens a SQLite database in dataDir.
// The database is opened with:
// - WAL mode for concurrent readers alongside the single writer
// - Foreign key constraints enabled
// - A busy timeout so external tools do not fail writes immediately
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	// modernc.org/sqlite is pure Go, no CGO
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{DB: sqlDB, path: dbPath}, nil
}

// OpenMigrated opens the database and applies every embedded migration.
func OpenMigrated(dataDir string) (*DB, error) {
	return OpenWith(dataDir, Migrations())
}

// OpenWith opens the database and applies the migration set fsys. An
// embedding application passes its own set when it owns more tables.
func OpenWith(dataDir string, fsys fs.FS) (*DB, error) {
	d, err := Open(dataDir)
	if err != nil {
		return nil, err
	}
	m := NewMigrator(d.DB, fsys)
	if err := m.Initialize(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// InTx runs fn inside a transaction, committing when fn returns nil.
//
// The pool holds a single connection, so fn must only use tx. Touching db
// from inside fn blocks forever.
func (db *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
