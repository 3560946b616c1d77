package db

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/nodesync/internal/errors"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrations returns the migration set compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		// the directory is embedded at build time
		panic(err)
	}
	return sub
}

// Migration represents an applied database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// MigrationFile is one V<n>__<description>.up.sql file from a migration set.
type MigrationFile struct {
	Version     int
	Name        string
	Description string
	SQL         []byte
}

// Checksum returns the SHA-256 of the raw file content.
func (f MigrationFile) Checksum() string {
	hash := sha256.Sum256(f.SQL)
	return hex.EncodeToString(hash[:])
}

// LoadMigrations reads the up migrations in fsys ordered by version.
func LoadMigrations(fsys fs.FS) ([]MigrationFile, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []MigrationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		// V1__sync_core.up.sql
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		version, description, ok := parseMigrationName(strings.TrimSuffix(name, ".up.sql"))
		if !ok {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", name, err)
		}
		files = append(files, MigrationFile{
			Version:     version,
			Name:        name,
			Description: description,
			SQL:         content,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Version < files[j].Version
	})
	for i := 1; i < len(files); i++ {
		if files[i].Version == files[i-1].Version {
			return nil, apperrors.Newf(apperrors.ErrMigration, "duplicate migration version %d", files[i].Version)
		}
	}
	return files, nil
}

func parseMigrationName(base string) (int, string, bool) {
	parts := strings.SplitN(base, "__", 2)
	if len(parts) < 2 || parts[1] == "" {
		return 0, "", false
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
	if err != nil || version <= 0 {
		return 0, "", false
	}
	return version, parts[1], true
}

// Migrator handles database schema migrations.
type Migrator struct {
	db   *sql.DB
	fsys fs.FS
}

// NewMigrator creates a new Migrator instance over a migration set.
func NewMigrator(db *sql.DB, fsys fs.FS) *Migrator {
	return &Migrator{
		db:   db,
		fsys: fsys,
	}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0).UTC()
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

// Latest returns the most recently applied migration.
func (m *Migrator) Latest() (Migration, bool, error) {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return Migration{}, false, err
	}
	if len(applied) == 0 {
		return Migration{}, false, nil
	}
	return applied[len(applied)-1], true, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to get applied migrations", err)
	}
	appliedVersions := make(map[int]bool)
	for _, mig := range applied {
		appliedVersions[mig.Version] = true
	}

	files, err := LoadMigrations(m.fsys)
	if err != nil {
		return err
	}

	for _, file := range files {
		if appliedVersions[file.Version] {
			continue
		}
		if err := m.applyMigration(file); err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("failed to apply migration V%d", file.Version), err)
		}
	}

	return nil
}

// Verify reports applied migrations whose file content changed since they ran.
func (m *Migrator) Verify() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return err
	}
	files, err := LoadMigrations(m.fsys)
	if err != nil {
		return err
	}
	byVersion := make(map[int]MigrationFile, len(files))
	for _, f := range files {
		byVersion[f.Version] = f
	}
	for _, mig := range applied {
		f, ok := byVersion[mig.Version]
		if !ok {
			return apperrors.Newf(apperrors.ErrMigration, "applied migration V%d has no file", mig.Version)
		}
		if f.Checksum() != mig.Checksum {
			return apperrors.Newf(apperrors.ErrMigration, "migration V%d (%s) changed after it was applied", mig.Version, f.Name)
		}
	}
	return nil
}

// applyMigration applies a single migration.
func (m *Migrator) applyMigration(file MigrationFile) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(file.SQL)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, file.Version, time.Now().Unix(), file.Description, file.Checksum()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Down rolls back the last migration.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	matches, err := fs.Glob(m.fsys, fmt.Sprintf("V%d__*.down.sql", current))
	if err != nil {
		return fmt.Errorf("failed to search for rollback migration: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("no rollback migration found for version %d", current)
	}

	content, err := fs.ReadFile(m.fsys, path.Clean(matches[0]))
	if err != nil {
		return fmt.Errorf("failed to read rollback migration: %w", err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	return tx.Commit()
}
