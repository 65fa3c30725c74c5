// Package store is the SQLite-backed state repository. It is the only shared
// surface between the detached job executor and any observer (CLI, dashboard,
// MCP host): every process opens the same database file and communicates
// exclusively through it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/anthropics/batchpilot/internal/retry"
)

const (
	busyTimeout = 30 * time.Second

	// Truncation limits for live-activity previews.
	previewTextLimit  = 200
	previewInputLimit = 100
)

// Store is the SQLite persistence layer. It is safe for concurrent use from
// multiple goroutines and multiple OS processes; WAL mode permits concurrent
// readers while the executor writes.
type Store struct {
	db       *sql.DB
	path     string
	retryOpt retry.Options
}

// Open opens (creating if necessary) the database at path and ensures the
// schema is current. The parent directory is created when missing.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		url.PathEscape(path), busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, path: path, retryOpt: retry.DefaultDBOptions()}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		worker_prompt_template TEXT NOT NULL,
		unit_type TEXT NOT NULL,
		total_units INTEGER NOT NULL,
		completed_units INTEGER DEFAULT 0,
		failed_units INTEGER DEFAULT 0,
		max_workers INTEGER DEFAULT 4,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		test_unit_id TEXT,
		test_passed INTEGER DEFAULT 0,
		output_strategy TEXT DEFAULT 'individual',
		metadata TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS work_units (
		unit_id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		unit_type TEXT NOT NULL,
		status TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		assigned_at TEXT,
		started_at TEXT,
		completed_at TEXT,
		worker_id TEXT,
		result TEXT,
		error TEXT,
		retry_count INTEGER DEFAULT 0,
		max_retries INTEGER DEFAULT 3,
		execution_time_seconds REAL,
		output_files TEXT,
		rendered_prompt TEXT,
		conversation TEXT,
		session_id TEXT,
		cost_usd REAL,
		process_id INTEGER,
		FOREIGN KEY (job_id) REFERENCES jobs(job_id)
	)`,
	`CREATE TABLE IF NOT EXISTS workers (
		worker_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		job_id TEXT,
		current_unit_id TEXT,
		process_id INTEGER,
		started_at TEXT NOT NULL,
		last_heartbeat TEXT,
		units_completed INTEGER DEFAULT 0,
		units_failed INTEGER DEFAULT 0,
		total_execution_time REAL DEFAULT 0.0
	)`,
	`CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		source TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		worker_id TEXT,
		unit_id TEXT,
		extra TEXT,
		FOREIGN KEY (job_id) REFERENCES jobs(job_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_work_units_job_id ON work_units(job_id)`,
	`CREATE INDEX IF NOT EXISTS idx_work_units_status ON work_units(status)`,
	`CREATE INDEX IF NOT EXISTS idx_work_units_worker_id ON work_units(worker_id)`,
	`CREATE INDEX IF NOT EXISTS idx_workers_job_id ON workers(job_id)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_job_id ON logs(job_id)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp)`,
}

func (s *Store) initSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return s.migrate()
}

// migrate additively adds columns that older database files are missing.
// Columns are never dropped; old readers stay compatible.
func (s *Store) migrate() error {
	unitCols := map[string]string{
		"rendered_prompt": "TEXT",
		"conversation":    "TEXT",
		"session_id":      "TEXT",
		"cost_usd":        "REAL",
		"process_id":      "INTEGER",
	}
	if err := s.addMissingColumns("work_units", unitCols); err != nil {
		return err
	}

	jobCols := map[string]string{
		"post_processing_prompt":  "TEXT",
		"post_processing_unit_id": "TEXT",
		"bypass_failures":         "INTEGER DEFAULT 0",
	}
	return s.addMissingColumns("jobs", jobCols)
}

func (s *Store) addMissingColumns(table string, want map[string]string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("failed to inspect %s schema: %w", table, err)
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan %s schema: %w", table, err)
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to inspect %s schema: %w", table, err)
	}

	for col, typ := range want {
		if existing[col] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col, typ)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", table, col, err)
		}
	}
	return nil
}

// write runs fn inside a transaction, committing on success and rolling back
// on error. Busy/locked errors are retried with backoff.
func (s *Store) write(fn func(tx *sql.Tx) error) error {
	return retry.Do(context.Background(), s.retryOpt, func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}
