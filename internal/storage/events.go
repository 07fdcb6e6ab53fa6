package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/willibrandon/hostwatch/internal/alerts"
)

const eventColumns = `id, rule_id, host, status, value, message,
	triggered_at, acknowledged_at, acknowledged_by, resolved_at`

// OpenEvent implements alerts.Store.
func (s *Store) OpenEvent(ctx context.Context, ruleID, host string) (*alerts.Event, error) {
	events, err := s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM alert_events
		WHERE rule_id = ? AND host = ? AND status IN ('triggered', 'acknowledged')
	`, ruleID, host)
	if err != nil {
		return nil, unavailable("load open event", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// OpenEventIDs implements alerts.Store.
func (s *Store) OpenEventIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM alert_events WHERE status IN ('triggered', 'acknowledged')`)
	if err != nil {
		return nil, unavailable("list open events", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateOpenEvent implements alerts.Store. The open-event unique index makes
// the insert the arbiter: when it is violated the existing open event is
// returned instead.
func (s *Store) CreateOpenEvent(ctx context.Context, ev *alerts.Event) (*alerts.Event, bool, error) {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO alert_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		ev.ID,
		nullString(ev.RuleID),
		ev.Host,
		string(ev.Status),
		ev.Value,
		ev.Message,
		ev.TriggeredAt.UTC(),
		nullTime(ev.AcknowledgedAt),
		nullString(ev.AcknowledgedBy),
		nullTime(ev.ResolvedAt),
	)
	if err == nil {
		return ev, true, nil
	}
	if !s.dialect.IsUniqueViolation(err) {
		return nil, false, unavailable("insert alert event", err)
	}

	existing, err := s.OpenEvent(ctx, ev.RuleID, ev.Host)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("alert event for rule %s host %s conflicted but no open event was found", ev.RuleID, ev.Host)
	}
	return existing, false, nil
}

// ResolveEvent implements alerts.Store.
func (s *Store) ResolveEvent(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE alert_events
		SET status = 'resolved', resolved_at = ?
		WHERE id = ? AND status IN ('triggered', 'acknowledged')
	`), at.UTC(), id)
	if err != nil {
		return false, unavailable("resolve alert event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AcknowledgeEvent implements alerts.Store.
func (s *Store) AcknowledgeEvent(ctx context.Context, id, userID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE alert_events
		SET status = 'acknowledged', acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ? AND status = 'triggered'
	`), at.UTC(), nullString(userID), id)
	if err != nil {
		return false, unavailable("acknowledge alert event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetEvent implements alerts.Store.
func (s *Store) GetEvent(ctx context.Context, id string) (*alerts.Event, error) {
	events, err := s.queryEvents(ctx, `SELECT `+eventColumns+` FROM alert_events WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// ListEvents implements alerts.Store. Events are newest first.
func (s *Store) ListEvents(ctx context.Context, filter alerts.EventFilter) ([]alerts.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM alert_events WHERE 1 = 1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Host != "" {
		query += ` AND host = ?`
		args = append(args, filter.Host)
	}
	if filter.RuleID != "" {
		query += ` AND rule_id = ?`
		args = append(args, filter.RuleID)
	}
	query += ` ORDER BY triggered_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return s.queryEvents(ctx, query, args...)
}

// PruneResolved deletes resolved events whose resolved_at is before cutoff,
// batchSize rows at a time. It returns the number of events deleted.
func (s *Store) PruneResolved(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	var total int64
	for {
		ids, err := s.resolvedBefore(ctx, cutoff, batchSize)
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}

		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM alert_events WHERE id IN (`+placeholders(len(ids))+`)`), args...)
		if err != nil {
			return total, fmt.Errorf("failed to prune alert events: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n

		if len(ids) < batchSize {
			return total, nil
		}
	}
}

func (s *Store) resolvedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id FROM alert_events
		WHERE status = 'resolved' AND resolved_at < ?
		ORDER BY resolved_at
		LIMIT ?
	`), cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]alerts.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// scanEvents scans rows into Event structs.
func scanEvents(rows *sql.Rows) ([]alerts.Event, error) {
	var events []alerts.Event

	for rows.Next() {
		var (
			e              alerts.Event
			ruleID, ackBy  sql.NullString
			status         string
			triggeredAt    time.Time
			ackAt, resolAt sql.NullTime
		)

		err := rows.Scan(
			&e.ID, &ruleID, &e.Host, &status, &e.Value, &e.Message,
			&triggeredAt, &ackAt, &ackBy, &resolAt,
		)
		if err != nil {
			return nil, err
		}

		e.RuleID = ruleID.String
		e.Status = alerts.Status(status)
		e.TriggeredAt = triggeredAt.UTC()
		e.AcknowledgedBy = ackBy.String
		if ackAt.Valid {
			t := ackAt.Time.UTC()
			e.AcknowledgedAt = &t
		}
		if resolAt.Valid {
			t := resolAt.Time.UTC()
			e.ResolvedAt = &t
		}

		events = append(events, e)
	}

	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
