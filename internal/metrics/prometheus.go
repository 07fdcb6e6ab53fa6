package metrics

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/willibrandon/hostwatch/internal/alerts"
	"github.com/willibrandon/hostwatch/internal/logger"
)

// PrometheusSource reads samples through the Prometheus HTTP API.
// The metric type cpu.usage_percent maps to the series cpu_usage_percent.
type PrometheusSource struct {
	api  v1.API
	opts options
}

// NewPrometheusSource creates a source for the server at addr.
func NewPrometheusSource(addr string, opts ...Option) (*PrometheusSource, error) {
	o := buildOptions(opts)

	c, err := api.NewClient(api.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &PrometheusSource{api: v1.NewAPI(c), opts: o}, nil
}

// KnownHosts lists host label values on any series of the measurement.
func (s *PrometheusSource) KnownHosts(ctx context.Context, measurement string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	now := s.opts.now()
	match := fmt.Sprintf(`{__name__=~%s}`, strconv.Quote(regexp.QuoteMeta(measurement)+"_.+"))

	values, warnings, err := s.api.LabelValues(ctx, s.opts.hostTag, []string{match}, now.Add(-s.opts.lookback), now)
	if err != nil {
		return nil, s.wrap(ctx, err)
	}
	logWarnings(warnings)

	hosts := make([]string, 0, len(values))
	for _, v := range values {
		hosts = append(hosts, string(v))
	}
	return hosts, nil
}

// LatestSample returns the newest raw sample of the series for host within
// the lookback window. The sample keeps its own timestamp so liveness rules
// see the real age.
func (s *PrometheusSource) LatestSample(ctx context.Context, metricType, host string) (*alerts.Sample, error) {
	measurement, field, err := splitMetric(metricType)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	selector := fmt.Sprintf(`%s{%s=%s}`, measurement+"_"+field, s.opts.hostTag, strconv.Quote(host))
	q := fmt.Sprintf(`%s[%s]`, selector, model.Duration(s.opts.lookback))

	value, warnings, err := s.api.Query(ctx, q, s.opts.now())
	if err != nil {
		return nil, s.wrap(ctx, err)
	}
	logWarnings(warnings)

	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("%w: prometheus: unexpected result type %s", alerts.ErrBackendUnreachable, value.Type())
	}

	var latest *alerts.Sample
	for _, stream := range matrix {
		if len(stream.Values) == 0 {
			continue
		}
		last := stream.Values[len(stream.Values)-1]
		t := last.Timestamp.Time().UTC()
		if latest == nil || t.After(latest.Time) {
			latest = &alerts.Sample{Value: float64(last.Value), Time: t}
		}
	}
	if latest == nil && strings.HasPrefix(metricType, alerts.LivenessPrefix) && s.opts.liveness > s.opts.lookback {
		return s.lastSeen(ctx, selector)
	}
	return latest, nil
}

// lastSeen finds the newest sample time of selector within the liveness
// lookback at one-minute resolution. The returned sample carries the
// last-seen unix time as its value.
func (s *PrometheusSource) lastSeen(ctx context.Context, selector string) (*alerts.Sample, error) {
	q := fmt.Sprintf(`max_over_time(timestamp(%s)[%s:1m])`, selector, model.Duration(s.opts.liveness))

	value, warnings, err := s.api.Query(ctx, q, s.opts.now())
	if err != nil {
		return nil, s.wrap(ctx, err)
	}
	logWarnings(warnings)

	vector, ok := value.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("%w: prometheus: unexpected result type %s", alerts.ErrBackendUnreachable, value.Type())
	}

	var latest *alerts.Sample
	for _, v := range vector {
		secs := float64(v.Value)
		t := time.Unix(0, int64(secs*float64(time.Second))).UTC()
		if latest == nil || t.After(latest.Time) {
			latest = &alerts.Sample{Value: secs, Time: t}
		}
	}
	return latest, nil
}

func (s *PrometheusSource) wrap(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: prometheus: %v", alerts.ErrBackendUnreachable, err)
}

func logWarnings(warnings v1.Warnings) {
	for _, w := range warnings {
		logger.Debug("prometheus query warning", "warning", w)
	}
}
