// Package mysql opens a MySQL-backed store.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/willibrandon/hostwatch/internal/storage"
)

// duplicateEntry is ER_DUP_ENTRY.
const duplicateEntry = 1062

// Open connects using a go-sql-driver DSN (user:pass@tcp(host:3306)/db) and
// applies the schema. parseTime and UTC are forced so DATETIME columns scan
// into time.Time.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*storage.Store, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}

	conn := sql.OpenDB(connector)
	if maxOpenConns > 0 {
		conn.SetMaxOpenConns(maxOpenConns)
	}
	conn.SetConnMaxLifetime(3 * time.Minute)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}

	store, err := storage.New(ctx, conn, Dialect{})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return store, nil
}

// Dialect implements storage.Dialect for MySQL.
type Dialect struct{}

// Name implements storage.Dialect.
func (Dialect) Name() string { return "mysql" }

// Rebind implements storage.Dialect. MySQL accepts ? placeholders.
func (Dialect) Rebind(query string) string { return query }

// IsUniqueViolation implements storage.Dialect.
func (Dialect) IsUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == duplicateEntry
}

// Schema implements storage.Dialect.
//
// MySQL has no partial indexes, so the open-event invariant is a unique key
// on a generated column that is NULL for resolved and detached events.
// A foreign key on a generated column's base column cannot SET NULL, so
// alert_events.rule_id carries no foreign key; DeleteRule detaches events
// explicitly.
func (Dialect) Schema() []string {
	return schema
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(64) PRIMARY KEY,
		username VARCHAR(191) NOT NULL UNIQUE,
		email VARCHAR(255) NOT NULL DEFAULT '',
		phone VARCHAR(64) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS alert_rules (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		description TEXT NOT NULL,
		metric_type VARCHAR(255) NOT NULL,
		comparison VARCHAR(8) NOT NULL,
		threshold DOUBLE NOT NULL,
		breach_count INT NOT NULL DEFAULT 1,
		email_threshold DOUBLE NULL,
		email_breach_count INT NULL,
		sms_threshold DOUBLE NULL,
		sms_breach_count INT NULL,
		severity VARCHAR(16) NOT NULL DEFAULT 'warning',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		KEY idx_alert_rules_name (name)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS alert_targets (
		rule_id VARCHAR(64) NOT NULL,
		target_type VARCHAR(16) NOT NULL,
		target_id VARCHAR(255) NOT NULL DEFAULT '',
		PRIMARY KEY (rule_id, target_type, target_id),
		CONSTRAINT fk_alert_targets_rule FOREIGN KEY (rule_id) REFERENCES alert_rules(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS alert_notifications (
		rule_id VARCHAR(64) PRIMARY KEY,
		email_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		email_recipients TEXT NOT NULL,
		sms_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		sms_recipients TEXT NOT NULL,
		CONSTRAINT fk_alert_notifications_rule FOREIGN KEY (rule_id) REFERENCES alert_rules(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS alert_events (
		id VARCHAR(64) PRIMARY KEY,
		rule_id VARCHAR(64) NULL,
		host VARCHAR(255) NOT NULL,
		status VARCHAR(16) NOT NULL,
		value DOUBLE NOT NULL,
		message TEXT NOT NULL,
		triggered_at DATETIME(6) NOT NULL,
		acknowledged_at DATETIME(6) NULL,
		acknowledged_by VARCHAR(64) NULL,
		resolved_at DATETIME(6) NULL,
		open_key VARCHAR(400) AS (
			IF(status IN ('triggered', 'acknowledged') AND rule_id IS NOT NULL, CONCAT(rule_id, '|', host), NULL)
		) STORED,
		UNIQUE KEY uq_alert_events_open (open_key),
		KEY idx_alert_events_rule (rule_id),
		KEY idx_alert_events_triggered (triggered_at),
		KEY idx_alert_events_resolved (status, resolved_at),
		CONSTRAINT chk_alert_events_status CHECK (status IN ('triggered', 'acknowledged', 'resolved'))
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS notifications (
		id VARCHAR(64) PRIMARY KEY,
		alert_id VARCHAR(64) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME(6) NOT NULL,
		KEY idx_notifications_user (user_id, is_read),
		CONSTRAINT fk_notifications_alert FOREIGN KEY (alert_id) REFERENCES alert_events(id) ON DELETE CASCADE,
		CONSTRAINT fk_notifications_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`DROP TRIGGER IF EXISTS trg_alert_events_notify`,
	`CREATE TRIGGER trg_alert_events_notify
		AFTER INSERT ON alert_events
		FOR EACH ROW
		INSERT INTO notifications (id, alert_id, user_id, is_read, created_at)
		SELECT UUID(), NEW.id, u.id, FALSE, NEW.triggered_at FROM users u`,

	`CREATE TABLE IF NOT EXISTS agent_status (
		id INT PRIMARY KEY,
		pid INT NOT NULL,
		version VARCHAR(64) NOT NULL DEFAULT '',
		start_time DATETIME(6) NOT NULL,
		last_tick DATETIME(6) NULL,
		ticks BIGINT NOT NULL DEFAULT 0,
		error_count BIGINT NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL,
		avg_tick_ms DOUBLE NOT NULL DEFAULT 0
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}
