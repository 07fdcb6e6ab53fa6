// Package metrics reads host samples from the time-series backend.
//
// Two backends are supported: InfluxDB 1.x (measurement.field maps to a
// measurement and field) and Prometheus (measurement.field maps to the metric
// measurement_field). Either can be wrapped in a circuit breaker.
package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/willibrandon/hostwatch/internal/alerts"
	"github.com/willibrandon/hostwatch/internal/config"
)

// Default query settings.
const (
	DefaultHostTag  = "host"
	DefaultTimeout  = 10 * time.Second
	DefaultLookback = time.Hour

	// DefaultLivenessLookback bounds the last-seen search for liveness
	// metrics. A host silent for longer has no sample and evaluates as
	// unknown, so liveness rules stop counting breaches for it.
	DefaultLivenessLookback = 7 * 24 * time.Hour
)

type options struct {
	hostTag  string
	timeout  time.Duration
	lookback time.Duration
	liveness time.Duration
	now      func() time.Time
}

// Option configures a source.
type Option func(*options)

// WithHostTag sets the tag or label that carries the host name.
func WithHostTag(tag string) Option {
	return func(o *options) {
		if tag != "" {
			o.hostTag = tag
		}
	}
}

// WithTimeout bounds each backend request.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLookback bounds how far back a latest-sample query searches.
func WithLookback(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lookback = d
		}
	}
}

// WithLivenessLookback bounds how far back the last-seen time of a liveness
// metric is searched when no sample falls within the regular lookback.
func WithLivenessLookback(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.liveness = d
		}
	}
}

// WithClock overrides the clock used for query windows.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{
		hostTag:  DefaultHostTag,
		timeout:  DefaultTimeout,
		lookback: DefaultLookback,
		liveness: DefaultLivenessLookback,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New builds the configured source, wrapped in a circuit breaker when enabled.
func New(cfg config.MetricsConfig) (alerts.MetricSource, error) {
	opts := []Option{
		WithHostTag(cfg.HostTag),
		WithTimeout(cfg.Timeout),
		WithLookback(cfg.Lookback),
		WithLivenessLookback(cfg.LivenessLookback),
	}

	var (
		src alerts.MetricSource
		err error
	)
	switch cfg.Backend {
	case "influx":
		src, err = NewInfluxSource(cfg.URL, cfg.Database, cfg.Username, cfg.Password, opts...)
	case "prometheus":
		src, err = NewPrometheusSource(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unknown metrics backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Breaker.Enabled {
		return NewBreakerSource(cfg.Backend, src, cfg.Breaker.MaxFailures, cfg.Breaker.OpenTimeout), nil
	}
	return src, nil
}

// splitMetric splits measurement.field.
func splitMetric(metricType string) (measurement, field string, err error) {
	measurement, field, _ = strings.Cut(metricType, ".")
	if measurement == "" || field == "" {
		return "", "", fmt.Errorf("metric type %q must be measurement.field", metricType)
	}
	return measurement, field, nil
}
