// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides ledger persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// pragmas below are per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS cycles (
			cycle_id    TEXT PRIMARY KEY,
			phase       TEXT NOT NULL,
			services    INTEGER NOT NULL DEFAULT 0,
			started_at  TEXT NOT NULL,
			finished_at TEXT,

			CHECK (phase IN ('running', 'ready', 'degraded', 'failed', 'stopped'))
		);

		CREATE INDEX IF NOT EXISTS idx_cycles_started ON cycles(started_at DESC);

		CREATE TABLE IF NOT EXISTS transitions (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			transition_id TEXT NOT NULL UNIQUE,
			cycle_id      TEXT NOT NULL,
			service       TEXT NOT NULL,
			from_state    TEXT NOT NULL,
			to_state      TEXT NOT NULL,
			attempt       INTEGER NOT NULL DEFAULT 0,
			reason        TEXT,
			at            TEXT NOT NULL,

			FOREIGN KEY (cycle_id) REFERENCES cycles(cycle_id)
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_cycle ON transitions(cycle_id, seq);
		CREATE INDEX IF NOT EXISTS idx_transitions_service ON transitions(service, seq);

		CREATE TABLE IF NOT EXISTS task_completions (
			task         TEXT PRIMARY KEY,
			fingerprint  TEXT NOT NULL,
			cycle_id     TEXT NOT NULL,
			completed_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "cycles",
			column: "services",
			apply:  `ALTER TABLE cycles ADD COLUMN services INTEGER NOT NULL DEFAULT 0`,
		},
		{
			table:  "transitions",
			column: "attempt",
			apply:  `ALTER TABLE transitions ADD COLUMN attempt INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		if err := s.db.QueryRow(check, m.column).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// parseTime parses a stored timestamp.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
