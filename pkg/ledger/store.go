// Package ledger persists the little state the OS process list cannot
// carry: which warm instances were handed to which project, and project
// directories that still need removing.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Assignment records a warm instance that now serves a named project
type Assignment struct {
	InstanceID string
	Name       string
	Port       int
	Dir        string
	Template   string
	AssignedAt time.Time
}

// OrphanDir is a project directory whose removal failed
type OrphanDir struct {
	Path       string
	Reason     string
	RecordedAt time.Time
	Attempts   int
	LastError  string
}

// Store is the SQLite-backed ledger
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the ledger at path and applies migrations
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, `
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA busy_timeout=5000;
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}

	s := &Store{db: db, path: path}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// runMigrations applies database migrations
func (s *Store) runMigrations() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Assignment operations

// PutAssignment records or replaces the assignment for an instance. Any
// stale row holding the same name is replaced too.
func (s *Store) PutAssignment(ctx context.Context, a Assignment) error {
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM assignments WHERE name = ? AND instance_id != ?`, a.Name, a.InstanceID); err != nil {
		return fmt.Errorf("failed to clear stale assignment: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO assignments (instance_id, name, port, dir, template, assigned_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			name = excluded.name,
			port = excluded.port,
			dir = excluded.dir,
			template = excluded.template,
			assigned_at = excluded.assigned_at
	`, a.InstanceID, a.Name, a.Port, a.Dir, a.Template, a.AssignedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record assignment: %w", err)
	}

	return tx.Commit()
}

// DeleteAssignment removes the assignment for an instance, if any
func (s *Store) DeleteAssignment(ctx context.Context, instanceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM assignments WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("failed to delete assignment: %w", err)
	}
	return nil
}

// Assignments returns every recorded assignment ordered by time
func (s *Store) Assignments(ctx context.Context) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, name, port, dir, template, assigned_at
		FROM assignments ORDER BY assigned_at, instance_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		var assignedAt int64
		if err := rows.Scan(&a.InstanceID, &a.Name, &a.Port, &a.Dir, &a.Template, &assignedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		a.AssignedAt = time.UnixMilli(assignedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Orphaned directory operations

// RecordOrphan queues a directory for removal by the sweeper
func (s *Store) RecordOrphan(ctx context.Context, path, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orphan_dirs (path, reason, recorded_at)
		VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET reason = excluded.reason
	`, path, reason, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record orphan directory: %w", err)
	}
	return nil
}

// Orphans returns queued directories, oldest first
func (s *Store) Orphans(ctx context.Context) ([]OrphanDir, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, reason, recorded_at, attempts, last_error
		FROM orphan_dirs ORDER BY recorded_at, path
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan directories: %w", err)
	}
	defer rows.Close()

	var out []OrphanDir
	for rows.Next() {
		var o OrphanDir
		var recordedAt int64
		if err := rows.Scan(&o.Path, &o.Reason, &recordedAt, &o.Attempts, &o.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan orphan directory: %w", err)
		}
		o.RecordedAt = time.UnixMilli(recordedAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkOrphanAttempt records a failed sweep of path
func (s *Store) MarkOrphanAttempt(ctx context.Context, path string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE orphan_dirs SET attempts = attempts + 1, last_error = ? WHERE path = ?
	`, msg, path)
	if err != nil {
		return fmt.Errorf("failed to update orphan directory: %w", err)
	}
	return nil
}

// ResolveOrphan removes path from the queue
func (s *Store) ResolveOrphan(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM orphan_dirs WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to resolve orphan directory: %w", err)
	}
	return nil
}
