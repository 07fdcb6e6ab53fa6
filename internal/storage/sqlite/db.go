// Package sqlite opens the default SQLite-backed store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"

	"github.com/willibrandon/hostwatch/internal/storage"
)

// Open opens or creates a SQLite database at the given path and applies the schema.
func Open(ctx context.Context, path string) (*storage.Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL for concurrent readers; _loc=UTC so DATETIME columns scan as UTC;
	// foreign keys are off by default in SQLite.
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_loc=UTC&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := storage.New(ctx, conn, Dialect{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Dialect implements storage.Dialect for SQLite.
type Dialect struct{}

// Name implements storage.Dialect.
func (Dialect) Name() string { return "sqlite" }

// Rebind implements storage.Dialect. SQLite accepts ? placeholders.
func (Dialect) Rebind(query string) string { return query }

// IsUniqueViolation implements storage.Dialect.
func (Dialect) IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// Schema implements storage.Dialect.
func (Dialect) Schema() []string {
	return schema
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS alert_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		metric_type TEXT NOT NULL,
		comparison TEXT NOT NULL,
		threshold REAL NOT NULL,
		breach_count INTEGER NOT NULL DEFAULT 1,
		email_threshold REAL,
		email_breach_count INTEGER,
		sms_threshold REAL,
		sms_breach_count INTEGER,
		severity TEXT NOT NULL DEFAULT 'warning',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS alert_targets (
		rule_id TEXT NOT NULL REFERENCES alert_rules(id) ON DELETE CASCADE,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (rule_id, target_type, target_id)
	)`,

	`CREATE TABLE IF NOT EXISTS alert_notifications (
		rule_id TEXT PRIMARY KEY REFERENCES alert_rules(id) ON DELETE CASCADE,
		email_enabled INTEGER NOT NULL DEFAULT 0,
		email_recipients TEXT NOT NULL DEFAULT '',
		sms_enabled INTEGER NOT NULL DEFAULT 0,
		sms_recipients TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS alert_events (
		id TEXT PRIMARY KEY,
		rule_id TEXT REFERENCES alert_rules(id) ON DELETE SET NULL,
		host TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('triggered', 'acknowledged', 'resolved')),
		value REAL NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		triggered_at DATETIME NOT NULL,
		acknowledged_at DATETIME,
		acknowledged_by TEXT,
		resolved_at DATETIME
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_alert_events_open
		ON alert_events(rule_id, host) WHERE status IN ('triggered', 'acknowledged')`,
	`CREATE INDEX IF NOT EXISTS idx_alert_events_triggered ON alert_events(triggered_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_events_resolved ON alert_events(status, resolved_at)`,

	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		alert_id TEXT NOT NULL REFERENCES alert_events(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		is_read INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, is_read)`,

	`CREATE TRIGGER IF NOT EXISTS trg_alert_events_notify
		AFTER INSERT ON alert_events
		BEGIN
			INSERT INTO notifications (id, alert_id, user_id, is_read, created_at)
			SELECT lower(hex(randomblob(16))), NEW.id, u.id, 0, NEW.triggered_at FROM users u;
		END`,

	`CREATE TABLE IF NOT EXISTS agent_status (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		pid INTEGER NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		start_time DATETIME NOT NULL,
		last_tick DATETIME,
		ticks INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		avg_tick_ms REAL NOT NULL DEFAULT 0
	)`,
}
