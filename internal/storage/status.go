package storage

import (
	"context"
	"database/sql"
	"time"
)

// AgentStatus is the singleton row describing the running daemon.
type AgentStatus struct {
	PID        int        `json:"pid"`
	Version    string     `json:"version"`
	StartTime  time.Time  `json:"start_time"`
	LastTick   *time.Time `json:"last_tick,omitempty"`
	Ticks      int64      `json:"ticks"`
	ErrorCount int64      `json:"error_count"`
	LastError  string     `json:"last_error,omitempty"`
	AvgTickMS  float64    `json:"avg_tick_ms"`
}

// SaveStatus replaces the status row.
func (s *Store) SaveStatus(ctx context.Context, st *AgentStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_status`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO agent_status (id, pid, version, start_time, last_tick, ticks, error_count, last_error, avg_tick_ms)
			VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		`), st.PID, st.Version, st.StartTime.UTC(), nullTime(st.LastTick), st.Ticks, st.ErrorCount, st.LastError, st.AvgTickMS)
		return err
	})
}

// LoadStatus returns the status row, or nil if the agent has never run.
func (s *Store) LoadStatus(ctx context.Context) (*AgentStatus, error) {
	var (
		st       AgentStatus
		lastTick sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT pid, version, start_time, last_tick, ticks, error_count, last_error, avg_tick_ms
		FROM agent_status WHERE id = 1
	`).Scan(&st.PID, &st.Version, &st.StartTime, &lastTick, &st.Ticks, &st.ErrorCount, &st.LastError, &st.AvgTickMS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	st.StartTime = st.StartTime.UTC()
	if lastTick.Valid {
		t := lastTick.Time.UTC()
		st.LastTick = &t
	}
	return &st, nil
}

// ClearStatus removes the status row on clean shutdown.
func (s *Store) ClearStatus(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_status`)
	return err
}
