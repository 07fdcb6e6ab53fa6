package agent

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/VividCortex/ewma"

	"github.com/willibrandon/hostwatch/internal/alerts"
	"github.com/willibrandon/hostwatch/internal/logger"
	"github.com/willibrandon/hostwatch/internal/storage"
)

// StatusStore persists the agent status row.
type StatusStore interface {
	SaveStatus(ctx context.Context, st *storage.AgentStatus) error
	ClearStatus(ctx context.Context) error
}

// StatusRecorder keeps the agent status row current after every tick.
// Tick duration is smoothed with an exponentially weighted moving average.
type StatusRecorder struct {
	store StatusStore
	now   func() time.Time

	mu     sync.Mutex
	status storage.AgentStatus
	avg    ewma.MovingAverage
}

// NewStatusRecorder creates a recorder for the current process.
func NewStatusRecorder(store StatusStore, version string) *StatusRecorder {
	return &StatusRecorder{
		store: store,
		now:   time.Now,
		avg:   ewma.NewMovingAverage(),
		status: storage.AgentStatus{
			PID:     os.Getpid(),
			Version: version,
		},
	}
}

// Start stamps the start time and writes the initial row.
func (r *StatusRecorder) Start(ctx context.Context) error {
	r.mu.Lock()
	r.status.StartTime = r.now().UTC()
	st := r.status
	r.mu.Unlock()

	return r.store.SaveStatus(ctx, &st)
}

// Record folds one tick into the status row. It matches the scheduler's
// OnTick signature.
func (r *StatusRecorder) Record(report *alerts.TickReport, err error) {
	r.mu.Lock()
	now := r.now().UTC()
	r.status.LastTick = &now
	r.status.Ticks++
	if err != nil {
		r.status.ErrorCount++
		r.status.LastError = err.Error()
	}
	if report != nil {
		r.avg.Add(float64(report.Duration) / float64(time.Millisecond))
		r.status.AvgTickMS = r.avg.Value()
	}
	st := r.status
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.SaveStatus(ctx, &st); err != nil {
		logger.Warn("failed to save agent status", "error", err)
	}
}

// Snapshot returns a copy of the current status.
func (r *StatusRecorder) Snapshot() storage.AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Clear removes the row on clean shutdown.
func (r *StatusRecorder) Clear(ctx context.Context) error {
	return r.store.ClearStatus(ctx)
}

// IsHealthy reports whether the last tick is within two intervals of now.
// An agent that has not ticked yet is healthy for two intervals after start.
func IsHealthy(st *storage.AgentStatus, interval time.Duration, now time.Time) bool {
	if st == nil {
		return false
	}
	last := st.StartTime
	if st.LastTick != nil {
		last = *st.LastTick
	}
	return now.Sub(last) <= 2*interval
}
