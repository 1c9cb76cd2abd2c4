package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
}

// DefaultDBPath returns ~/.layerfix/layerfix.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".layerfix")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "layerfix.db"), nil
}

// Open opens or creates the database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &DB{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Path returns the file the database was opened from.
func (d *DB) Path() string {
	return d.path
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS rules (
    id              TEXT PRIMARY KEY,
    signature       TEXT NOT NULL UNIQUE,
    source_pattern  TEXT NOT NULL,
    replacement     TEXT NOT NULL,
    origin_layer    INTEGER NOT NULL,
    confidence      REAL NOT NULL CHECK(confidence >= 0 AND confidence <= 1),
    times_seen      INTEGER NOT NULL,
    times_succeeded INTEGER NOT NULL,
    applications    INTEGER NOT NULL DEFAULT 0,
    sources         TEXT NOT NULL DEFAULT '[]',
    created_at      TEXT NOT NULL,
    last_applied_at TEXT,
    updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_rules_layer ON rules(origin_layer);

CREATE TABLE IF NOT EXISTS transform_runs (
    id                TEXT PRIMARY KEY,
    plan              TEXT NOT NULL,
    successful_stages INTEGER NOT NULL,
    total_stages      INTEGER NOT NULL,
    duration_ms       INTEGER NOT NULL,
    input_digest      TEXT NOT NULL,
    changed           BOOLEAN NOT NULL,
    applied_rules     TEXT NOT NULL DEFAULT '',
    timestamp         TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON transform_runs(timestamp DESC);

CREATE TABLE IF NOT EXISTS layer_results (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id       TEXT NOT NULL REFERENCES transform_runs(id) ON DELETE CASCADE,
    layer        INTEGER NOT NULL,
    name         TEXT NOT NULL,
    success      BOOLEAN NOT NULL,
    skipped      BOOLEAN NOT NULL DEFAULT FALSE,
    attempts     INTEGER NOT NULL,
    duration_ms  INTEGER NOT NULL,
    change_count INTEGER NOT NULL,
    error_kind   TEXT,
    error_reason TEXT,
    timestamp    TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_layer_results_run ON layer_results(run_id);
CREATE INDEX IF NOT EXISTS idx_layer_results_layer ON layer_results(layer, timestamp DESC);
`

// Migrate applies the database schema.
func (d *DB) Migrate() error {
	var count int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	tables := []string{"layer_results", "transform_runs", "rules", "schema_version"}
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
