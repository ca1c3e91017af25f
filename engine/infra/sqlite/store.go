// Package sqlite implements the task repository on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Register modernc SQLite driver with database/sql.
	_ "modernc.org/sqlite"
)

// Store owns the database handle shared by repositories.
type Store struct {
	db *sql.DB
}

// buildDSN translates a file path or ":memory:" into a modernc DSN with the
// pragmas the store relies on.
func buildDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?cache=shared&_pragma=foreign_keys(ON)"
	}
	return fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		path,
	)
}

// NewStore opens (creating if needed) the database at path and pings it.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite: create database dir: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent executors.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the raw handle for migrations and tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }
