package agent

import (
	"context"
	"sync"
	"time"

	"github.com/willibrandon/hostwatch/internal/logger"
)

// Pruner deletes resolved alert events older than a cutoff in batches.
type Pruner interface {
	PruneResolved(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// RetentionManager prunes resolved alert history on an hourly cycle.
// Open events are never pruned.
type RetentionManager struct {
	store     Pruner
	retention time.Duration
	interval  time.Duration
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// pruneLimit caps rows deleted per statement so readers are not blocked
	// behind one long transaction.
	pruneLimit int
}

// NewRetentionManager creates a manager keeping resolved events for retention.
func NewRetentionManager(store Pruner, retention time.Duration) *RetentionManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &RetentionManager{
		store:      store,
		retention:  retention,
		interval:   time.Hour,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		pruneLimit: 10000,
	}
}

// Start runs one prune immediately and then every interval.
func (rm *RetentionManager) Start() {
	logger.Info("starting retention manager", "retention", rm.retention)

	rm.wg.Add(1)
	go rm.run()
}

// Stop cancels the cycle and waits for an in-flight prune.
func (rm *RetentionManager) Stop() {
	rm.cancel()
	rm.wg.Wait()
	logger.Info("retention manager stopped")
}

func (rm *RetentionManager) run() {
	defer rm.wg.Done()

	rm.prune()

	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-rm.ctx.Done():
			return
		case <-ticker.C:
			rm.prune()
		}
	}
}

func (rm *RetentionManager) prune() {
	n, err := rm.PruneNow(rm.ctx)
	if err != nil {
		if rm.ctx.Err() == nil {
			logger.Warn("failed to prune alert history", "error", err)
		}
		return
	}
	if n > 0 {
		logger.Info("pruned alert history", "rows", n, "retention", rm.retention)
	}
}

// PruneNow deletes resolved events older than the retention period.
func (rm *RetentionManager) PruneNow(ctx context.Context) (int64, error) {
	cutoff := rm.now().Add(-rm.retention)
	return rm.store.PruneResolved(ctx, cutoff, rm.pruneLimit)
}
