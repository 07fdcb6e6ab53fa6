package alerts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/willibrandon/hostwatch/internal/logger"
)

// DefaultInterval is the evaluation period.
const DefaultInterval = 30 * time.Second

// Ticker runs one evaluation pass.
type Ticker interface {
	Tick(ctx context.Context) (*TickReport, error)
}

// Scheduler drives ticks on a fixed interval. Ticks run inline on the
// scheduler goroutine and never overlap; a tick that outlives its timeout is
// cancelled and logged.
type Scheduler struct {
	ticker      Ticker
	interval    time.Duration
	tickTimeout time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	reload  chan struct{}
	onTick  func(*TickReport, error)
}

// NewScheduler creates a stopped scheduler. A zero tickTimeout defaults to the interval.
func NewScheduler(t Ticker, interval, tickTimeout time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if tickTimeout <= 0 || tickTimeout > interval {
		tickTimeout = interval
	}
	return &Scheduler{
		ticker:      t,
		interval:    interval,
		tickTimeout: tickTimeout,
		reload:      make(chan struct{}, 1),
	}
}

// OnTick registers a callback run after every tick. Set it before Start.
func (s *Scheduler) OnTick(fn func(*TickReport, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTick = fn
}

// Start launches the tick loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done, s.onTick)

	logger.Info("alert scheduler started",
		"interval", s.interval,
		"tick_timeout", s.tickTimeout)
	return nil
}

// Stop cancels the loop and waits for the in-flight tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	logger.Info("alert scheduler stopped")
}

// Running returns true while the tick loop is alive: between Start and Stop,
// and until the context passed to Start is cancelled.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Reconfigure asks for an early tick so rule changes apply promptly.
// Requests coalesce, the interval timer is left alone, and breach counters
// are never reset.
func (s *Scheduler) Reconfigure() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}, onTick func(*TickReport, error)) {
	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.running = false
		}
		s.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runTick(ctx, onTick)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx, onTick)
		case <-s.reload:
			logger.Info("alert rules changed, re-evaluating")
			s.runTick(ctx, onTick)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context, onTick func(*TickReport, error)) {
	tctx, cancel := context.WithTimeout(ctx, s.tickTimeout)
	defer cancel()

	report, err := s.ticker.Tick(tctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrStoreUnavailable):
		logger.Error("alert tick skipped", "error", err)
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		logger.Error("alert tick abandoned after timeout",
			"timeout", s.tickTimeout,
			"error", err)
	case ctx.Err() != nil:
		logger.Debug("alert tick interrupted by shutdown")
	default:
		logger.Error("alert tick failed", "error", err)
	}

	if onTick != nil {
		onTick(report, err)
	}
}
