package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/willibrandon/hostwatch/internal/alerts"
)

// RuleNotFoundError is returned when a rule does not exist.
type RuleNotFoundError struct {
	ID string
}

func (e *RuleNotFoundError) Error() string {
	return fmt.Sprintf("alert rule %q not found", e.ID)
}

const ruleColumns = `id, name, description, metric_type, comparison, threshold, breach_count,
	email_threshold, email_breach_count, sms_threshold, sms_breach_count,
	severity, enabled, created_at, updated_at`

// CreateRule inserts a rule with its targets and notification config.
// An empty ID is assigned a new UUID.
func (s *Store) CreateRule(ctx context.Context, rule *alerts.Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		args := append([]any{rule.ID}, ruleValues(rule)...)
		args = append(args, rule.CreatedAt.UTC(), rule.UpdatedAt.UTC())
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO alert_rules (`+ruleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), args...)
		if err != nil {
			return fmt.Errorf("failed to insert rule %s: %w", rule.ID, err)
		}
		return s.writeRuleChildren(ctx, tx, rule)
	})
}

// UpdateRule replaces a rule's fields, targets and notification config.
func (s *Store) UpdateRule(ctx context.Context, rule *alerts.Rule) error {
	rule.UpdatedAt = time.Now().UTC()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM alert_rules WHERE id = ?`), rule.ID).Scan(&exists)
		if err == sql.ErrNoRows {
			return &RuleNotFoundError{ID: rule.ID}
		}
		if err != nil {
			return err
		}

		args := append(ruleValues(rule), rule.UpdatedAt.UTC(), rule.ID)
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE alert_rules
			SET name = ?, description = ?, metric_type = ?, comparison = ?, threshold = ?, breach_count = ?,
			    email_threshold = ?, email_breach_count = ?, sms_threshold = ?, sms_breach_count = ?,
			    severity = ?, enabled = ?, updated_at = ?
			WHERE id = ?
		`), args...)
		if err != nil {
			return fmt.Errorf("failed to update rule %s: %w", rule.ID, err)
		}

		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM alert_targets WHERE rule_id = ?`), rule.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM alert_notifications WHERE rule_id = ?`), rule.ID); err != nil {
			return err
		}
		return s.writeRuleChildren(ctx, tx, rule)
	})
}

// SaveRule creates the rule if it does not exist and updates it otherwise.
// It reports whether the rule was created.
func (s *Store) SaveRule(ctx context.Context, rule *alerts.Rule) (bool, error) {
	if rule.ID != "" {
		existing, err := s.GetRule(ctx, rule.ID)
		if err != nil {
			return false, err
		}
		if existing != nil {
			rule.CreatedAt = existing.CreatedAt
			return false, s.UpdateRule(ctx, rule)
		}
	}
	return true, s.CreateRule(ctx, rule)
}

// DeleteRule removes a rule, its targets and notification config. Events
// that referenced it are kept with a null rule_id.
func (s *Store) DeleteRule(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE alert_events SET rule_id = NULL WHERE rule_id = ?`), id); err != nil {
			return fmt.Errorf("failed to detach events of rule %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM alert_targets WHERE rule_id = ?`), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM alert_notifications WHERE rule_id = ?`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM alert_rules WHERE id = ?`), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// GetRule returns the rule or nil if it does not exist.
func (s *Store) GetRule(ctx context.Context, id string) (*alerts.Rule, error) {
	rules, err := s.loadRules(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}
	return &rules[0], nil
}

// ListRules returns every rule ordered by name.
func (s *Store) ListRules(ctx context.Context) ([]alerts.Rule, error) {
	return s.loadRules(ctx, "")
}

// EnabledRules implements alerts.Store.
func (s *Store) EnabledRules(ctx context.Context) ([]alerts.Rule, error) {
	rules, err := s.loadRules(ctx, `WHERE enabled = ?`, true)
	if err != nil {
		return nil, unavailable("load enabled rules", err)
	}
	return rules, nil
}

func (s *Store) loadRules(ctx context.Context, where string, args ...any) ([]alerts.Rule, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+ruleColumns+` FROM alert_rules `+where+` ORDER BY name, id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []alerts.Rule
	index := make(map[string]int)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		index[r.ID] = len(rules)
		rules = append(rules, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}

	if err := s.attachTargets(ctx, rules, index); err != nil {
		return nil, err
	}
	if err := s.attachNotifications(ctx, rules, index); err != nil {
		return nil, err
	}
	return rules, nil
}

func (s *Store) attachTargets(ctx context.Context, rules []alerts.Rule, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `SELECT rule_id, target_type, target_id FROM alert_targets ORDER BY rule_id, target_type, target_id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var ruleID, typ, id string
		if err := rows.Scan(&ruleID, &typ, &id); err != nil {
			return err
		}
		i, ok := index[ruleID]
		if !ok {
			continue
		}
		rules[i].Targets = append(rules[i].Targets, alerts.Target{Type: alerts.TargetType(typ), ID: id})
	}
	return rows.Err()
}

func (s *Store) attachNotifications(ctx context.Context, rules []alerts.Rule, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, email_enabled, email_recipients, sms_enabled, sms_recipients
		FROM alert_notifications
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ruleID             string
			emailOn, smsOn     bool
			emailList, smsList string
		)
		if err := rows.Scan(&ruleID, &emailOn, &emailList, &smsOn, &smsList); err != nil {
			return err
		}
		i, ok := index[ruleID]
		if !ok {
			continue
		}
		rules[i].Notifications = alerts.NotificationConfig{
			Email: alerts.ChannelConfig{Enabled: emailOn, Recipients: splitList(emailList)},
			SMS:   alerts.ChannelConfig{Enabled: smsOn, Recipients: splitList(smsList)},
		}
	}
	return rows.Err()
}

func (s *Store) writeRuleChildren(ctx context.Context, tx *sql.Tx, rule *alerts.Rule) error {
	seen := make(map[alerts.Target]bool, len(rule.Targets))
	for _, t := range rule.Targets {
		if seen[t] {
			continue
		}
		seen[t] = true
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO alert_targets (rule_id, target_type, target_id) VALUES (?, ?, ?)
		`), rule.ID, string(t.Type), t.ID)
		if err != nil {
			return fmt.Errorf("failed to insert target for rule %s: %w", rule.ID, err)
		}
	}

	n := rule.Notifications
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO alert_notifications (rule_id, email_enabled, email_recipients, sms_enabled, sms_recipients)
		VALUES (?, ?, ?, ?, ?)
	`), rule.ID, n.Email.Enabled, joinList(n.Email.Recipients), n.SMS.Enabled, joinList(n.SMS.Recipients))
	if err != nil {
		return fmt.Errorf("failed to insert notification config for rule %s: %w", rule.ID, err)
	}
	return nil
}

// ruleValues returns the rule's columns from name through enabled.
func ruleValues(r *alerts.Rule) []any {
	emailThreshold, emailCount := escalationValues(r.Email)
	smsThreshold, smsCount := escalationValues(r.SMS)
	return []any{
		r.Name, r.Description, r.MetricType, string(r.Comparison), r.Threshold, r.BreachCount,
		emailThreshold, emailCount, smsThreshold, smsCount,
		string(r.Severity), r.Enabled,
	}
}

func escalationValues(e *alerts.Escalation) (sql.NullFloat64, sql.NullInt64) {
	if e == nil {
		return sql.NullFloat64{}, sql.NullInt64{}
	}
	return sql.NullFloat64{Float64: e.Threshold, Valid: true},
		sql.NullInt64{Int64: int64(e.BreachCount), Valid: true}
}

func scanRule(rows *sql.Rows) (*alerts.Rule, error) {
	var (
		r                         alerts.Rule
		comparison, severity      string
		emailThreshold, smsThresh sql.NullFloat64
		emailCount, smsCount      sql.NullInt64
		createdAt, updatedAt      time.Time
	)
	err := rows.Scan(
		&r.ID, &r.Name, &r.Description, &r.MetricType, &comparison, &r.Threshold, &r.BreachCount,
		&emailThreshold, &emailCount, &smsThresh, &smsCount,
		&severity, &r.Enabled, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Comparison = alerts.Operator(comparison)
	r.Severity = alerts.Severity(severity)
	r.CreatedAt = createdAt.UTC()
	r.UpdatedAt = updatedAt.UTC()

	if emailThreshold.Valid && emailCount.Valid {
		r.Email = &alerts.Escalation{Threshold: emailThreshold.Float64, BreachCount: int(emailCount.Int64)}
	}
	if smsThresh.Valid && smsCount.Valid {
		r.SMS = &alerts.Escalation{Threshold: smsThresh.Float64, BreachCount: int(smsCount.Int64)}
	}
	return &r, nil
}
