package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/kardianos/service"

	"github.com/willibrandon/hostwatch/internal/config"
	"github.com/willibrandon/hostwatch/internal/storage"
)

// Status is the report printed by `hostwatch status`.
type Status struct {
	State      string     `json:"state"`
	PID        int        `json:"pid,omitempty"`
	Version    string     `json:"version,omitempty"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	Uptime     string     `json:"uptime,omitempty"`
	LastTick   *time.Time `json:"last_tick,omitempty"`
	Ticks      int64      `json:"ticks"`
	AvgTickMS  float64    `json:"avg_tick_ms,omitempty"`
	ErrorCount int64      `json:"error_count"`
	OpenEvents int        `json:"open_events"`
	Healthy    bool       `json:"healthy"`
	Errors     []string   `json:"errors,omitempty"`
}

// GetStatus combines the service manager state with the status row the
// running agent keeps in the store. An agent started with `run` outside the
// service manager is detected through its PID file.
func GetStatus(ctx context.Context, cfg *config.Config) (*Status, error) {
	status := &Status{State: "not_installed"}

	if svc, err := NewService(ServiceConfig{}); err == nil {
		if st, err := svc.Status(); err == nil {
			switch st {
			case service.StatusRunning:
				status.State = "running"
			case service.StatusStopped:
				status.State = "stopped"
			default:
				status.State = "unknown"
			}
		}
	}

	if cfg == nil {
		return status, nil
	}

	if status.State != "running" {
		pid, err := NewPIDFile(cfg.Storage.GetDataPath()).Running()
		if err != nil || pid == 0 {
			return status, nil
		}
		status.State = "running"
		status.PID = pid
	}

	store, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		status.Errors = append(status.Errors, fmt.Sprintf("store: %v", err))
		return status, nil
	}
	defer store.Close()

	row, err := store.LoadStatus(ctx)
	if err != nil {
		status.Errors = append(status.Errors, fmt.Sprintf("status: %v", err))
		return status, nil
	}
	fillStatus(status, row, cfg.Alerts.Interval, time.Now())

	if ids, err := store.OpenEventIDs(ctx); err == nil {
		status.OpenEvents = len(ids)
	}

	return status, nil
}

func fillStatus(status *Status, row *storage.AgentStatus, interval time.Duration, now time.Time) {
	if row == nil {
		status.Errors = append(status.Errors, "agent has not recorded a status row")
		return
	}

	status.PID = row.PID
	status.Version = row.Version
	start := row.StartTime
	status.StartTime = &start
	status.Uptime = formatUptime(now.Sub(row.StartTime))
	status.LastTick = row.LastTick
	status.Ticks = row.Ticks
	status.AvgTickMS = row.AvgTickMS
	status.ErrorCount = row.ErrorCount
	status.Healthy = IsHealthy(row, interval, now)

	if row.LastError != "" {
		status.Errors = append(status.Errors, row.LastError)
	}
	if !status.Healthy {
		status.Errors = append(status.Errors, "no evaluation tick within two intervals")
	}
}

func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
