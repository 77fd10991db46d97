// Package db owns the SQLite connection and schema shared by the
// incident and activity stores.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB with blackbox-specific helpers.
type DB struct {
	*sql.DB
	path string
}

// Open creates or opens a SQLite database at the given path. Write
// transactions take the database lock up front (_txlock=immediate) so
// concurrent create-or-increment callers serialize instead of failing
// on lock upgrade.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path+"?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	d := &DB{DB: sqlDB, path: path}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return d, nil
}

// OpenMemory creates an in-memory SQLite database (useful for testing).
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:?_txlock=immediate&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	// The in-memory database lives in a single connection.
	sqlDB.SetMaxOpenConns(1)

	d := &DB{DB: sqlDB, path: ":memory:"}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return d, nil
}

// migrate runs all schema migrations.
func (d *DB) migrate() error {
	_, err := d.Exec(schema)
	return err
}

// schema contains the full database schema. New tables are added here.
const schema = `
CREATE TABLE IF NOT EXISTS incidents (
    id TEXT PRIMARY KEY,
    request_id TEXT NOT NULL,
    incident_id TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL DEFAULT 'OPEN' CHECK(status IN ('OPEN','ACKNOWLEDGED','RESOLVED','SUPPRESSED')),
    http_status INTEGER NOT NULL,
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    query_string TEXT NOT NULL DEFAULT '',
    user_id TEXT,
    ip_address TEXT,
    user_agent TEXT,
    headers TEXT NOT NULL DEFAULT '{}',
    body_preview TEXT,
    content_type TEXT,
    error_kind TEXT,
    error_message TEXT,
    stacktrace TEXT,
    occurred_at DATETIME NOT NULL DEFAULT (datetime('now')),
    resolved_at DATETIME,
    dedup_hash TEXT NOT NULL,
    occurrence_count INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_incidents_dedup ON incidents(dedup_hash);
CREATE INDEX IF NOT EXISTS idx_incidents_status_occurred ON incidents(status, occurred_at);
CREATE INDEX IF NOT EXISTS idx_incidents_occurred ON incidents(occurred_at);
CREATE INDEX IF NOT EXISTS idx_incidents_path ON incidents(path);

CREATE TABLE IF NOT EXISTS request_activities (
    id TEXT PRIMARY KEY,
    request_id TEXT NOT NULL,
    incident_id TEXT,
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    full_path TEXT NOT NULL DEFAULT '',
    view_name TEXT,
    http_status INTEGER NOT NULL,
    response_time_ms REAL NOT NULL DEFAULT 0,
    user_id TEXT,
    is_authenticated INTEGER NOT NULL DEFAULT 0,
    ip_address TEXT,
    user_agent TEXT,
    entity_kind TEXT,
    entity_id TEXT,
    request_headers TEXT,
    request_body TEXT,
    response_headers TEXT,
    response_body TEXT,
    action TEXT,
    custom_action TEXT,
    custom_payload TEXT,
    entity_before TEXT,
    entity_after TEXT,
    entity_diff TEXT,
    extra TEXT,
    created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_activities_request ON request_activities(request_id);
CREATE INDEX IF NOT EXISTS idx_activities_created ON request_activities(created_at);
CREATE INDEX IF NOT EXISTS idx_activities_path ON request_activities(path);
CREATE INDEX IF NOT EXISTS idx_activities_user ON request_activities(user_id);
`
