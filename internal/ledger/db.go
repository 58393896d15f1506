// SPDX-License-Identifier: Apache-2.0

// Package ledger persists runs, their timeline events, and denied-command
// audit rows in a single local SQLite database.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Ledger is the durable run store. Reads may run concurrently; writes are
// serialized through a single writer mutex.
type Ledger struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	mu sync.Mutex // serializes writes and backups
}

// Open opens (creating if necessary) the database at path and prepares the
// schema. The returned Ledger is safe for concurrent use.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Pragmas apply per connection; one pooled connection keeps them in
	// force for the life of the process.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	l := &Ledger{db: db, path: path, logger: logger}

	if err := l.configure(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if err := l.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	// Reclaim space left by earlier deletions. Not worth failing startup.
	if _, err := db.ExecContext(context.Background(), "VACUUM"); err != nil {
		logger.Warn("vacuum failed", "error", err)
	}

	return l, nil
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.path
}

func (l *Ledger) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}

	for _, pragma := range pragmas {
		if _, err := l.db.ExecContext(context.Background(), pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// createSchema creates the tables if absent. events.run_id is not a foreign
// key: orphaned events are tolerated, and a run row may be replaced after
// its first events were written.
func (l *Ledger) createSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		start_time REAL NOT NULL,
		end_time REAL,
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'running',
		tokens_in INTEGER,
		tokens_out INTEGER,
		prompt_tokens INTEGER,
		completion_tokens INTEGER,
		total_tokens INTEGER,
		cost_estimate REAL,
		log_file TEXT NOT NULL DEFAULT '',
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_start_time ON runs(start_time);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		timestamp REAL NOT NULL,
		event TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);

	CREATE TABLE IF NOT EXISTS denied_commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp REAL NOT NULL,
		run_id TEXT,
		command TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_denied_commands_run_id ON denied_commands(run_id);
	`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// Close checkpoints the WAL and closes the database.
func (l *Ledger) Close() error {
	_, _ = l.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	return l.db.Close()
}
