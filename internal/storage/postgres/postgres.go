// Package postgres opens a PostgreSQL-backed store through pgx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/willibrandon/hostwatch/internal/storage"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Open connects using a libpq-style or URL connection string and applies the schema.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*storage.Store, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}

	conn := stdlib.OpenDB(*cfg)
	if maxOpenConns > 0 {
		conn.SetMaxOpenConns(maxOpenConns)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	store, err := storage.New(ctx, conn, Dialect{})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return store, nil
}

// OpenDB wraps an existing connection. The caller keeps ownership of db
// until the returned store is closed.
func OpenDB(ctx context.Context, db *sql.DB) (*storage.Store, error) {
	return storage.New(ctx, db, Dialect{})
}

// Dialect implements storage.Dialect for PostgreSQL.
type Dialect struct{}

// Name implements storage.Dialect.
func (Dialect) Name() string { return "postgres" }

// Rebind implements storage.Dialect.
func (Dialect) Rebind(query string) string { return storage.RebindDollar(query) }

// IsUniqueViolation implements storage.Dialect.
func (Dialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
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
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS alert_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		metric_type TEXT NOT NULL,
		comparison TEXT NOT NULL,
		threshold DOUBLE PRECISION NOT NULL,
		breach_count INTEGER NOT NULL DEFAULT 1,
		email_threshold DOUBLE PRECISION,
		email_breach_count INTEGER,
		sms_threshold DOUBLE PRECISION,
		sms_breach_count INTEGER,
		severity TEXT NOT NULL DEFAULT 'warning',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS alert_targets (
		rule_id TEXT NOT NULL REFERENCES alert_rules(id) ON DELETE CASCADE,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (rule_id, target_type, target_id)
	)`,

	`CREATE TABLE IF NOT EXISTS alert_notifications (
		rule_id TEXT PRIMARY KEY REFERENCES alert_rules(id) ON DELETE CASCADE,
		email_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		email_recipients TEXT NOT NULL DEFAULT '',
		sms_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		sms_recipients TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS alert_events (
		id TEXT PRIMARY KEY,
		rule_id TEXT REFERENCES alert_rules(id) ON DELETE SET NULL,
		host TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('triggered', 'acknowledged', 'resolved')),
		value DOUBLE PRECISION NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		triggered_at TIMESTAMPTZ NOT NULL,
		acknowledged_at TIMESTAMPTZ,
		acknowledged_by TEXT,
		resolved_at TIMESTAMPTZ
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_alert_events_open
		ON alert_events(rule_id, host) WHERE status IN ('triggered', 'acknowledged')`,
	`CREATE INDEX IF NOT EXISTS idx_alert_events_triggered ON alert_events(triggered_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_events_resolved ON alert_events(status, resolved_at)`,

	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		alert_id TEXT NOT NULL REFERENCES alert_events(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, is_read)`,

	`CREATE OR REPLACE FUNCTION hostwatch_notify_users() RETURNS trigger AS $$
	BEGIN
		INSERT INTO notifications (id, alert_id, user_id, is_read, created_at)
		SELECT gen_random_uuid()::text, NEW.id, u.id, FALSE, NEW.triggered_at FROM users u;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS trg_alert_events_notify ON alert_events`,
	`CREATE TRIGGER trg_alert_events_notify
		AFTER INSERT ON alert_events
		FOR EACH ROW EXECUTE FUNCTION hostwatch_notify_users()`,

	`CREATE TABLE IF NOT EXISTS agent_status (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		pid INTEGER NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		start_time TIMESTAMPTZ NOT NULL,
		last_tick TIMESTAMPTZ,
		ticks BIGINT NOT NULL DEFAULT 0,
		error_count BIGINT NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		avg_tick_ms DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
}
