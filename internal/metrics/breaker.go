package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sony/gobreaker"

	"github.com/willibrandon/hostwatch/internal/alerts"
	"github.com/willibrandon/hostwatch/internal/logger"
)

// BreakerSource stops querying a failing backend for a cool-down period.
// While open, every call fails fast with ErrBackendUnreachable so a tick
// does not wait out a timeout per (rule, host) pair.
type BreakerSource struct {
	next alerts.MetricSource
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerSource wraps next. The breaker opens after maxFailures
// consecutive backend failures and half-opens after openTimeout.
func NewBreakerSource(name string, next alerts.MetricSource, maxFailures uint32, openTimeout time.Duration) *BreakerSource {
	if maxFailures == 0 {
		maxFailures = 5
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "metrics-" + name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, alerts.ErrSampleUnavailable) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				logger.Warn("metrics breaker opened", "breaker", name, "from", from.String())
				return
			}
			logger.Info("metrics breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &BreakerSource{next: next, cb: cb}
}

// State reports closed, half-open or open.
func (b *BreakerSource) State() string {
	return b.cb.State().String()
}

// Close closes the wrapped source if it holds resources.
func (b *BreakerSource) Close() error {
	if c, ok := b.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// KnownHosts implements alerts.HostLister.
func (b *BreakerSource) KnownHosts(ctx context.Context, measurement string) ([]string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.KnownHosts(ctx, measurement)
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	hosts, _ := out.([]string)
	return hosts, nil
}

// LatestSample implements alerts.MetricSource.
func (b *BreakerSource) LatestSample(ctx context.Context, metricType, host string) (*alerts.Sample, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.LatestSample(ctx, metricType, host)
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	sample, _ := out.(*alerts.Sample)
	return sample, nil
}

func (b *BreakerSource) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", alerts.ErrBackendUnreachable, err)
	}
	return err
}
