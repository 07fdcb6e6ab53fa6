package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"

	"github.com/willibrandon/hostwatch/internal/alerts"
)

// InfluxSource reads samples from an InfluxDB 1.x database.
type InfluxSource struct {
	client   client.Client
	database string
	opts     options
}

// NewInfluxSource creates a source for the database at addr.
func NewInfluxSource(addr, database, username, password string, opts ...Option) (*InfluxSource, error) {
	o := buildOptions(opts)

	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     addr,
		Username: username,
		Password: password,
		Timeout:  o.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create influx client: %w", err)
	}

	return &InfluxSource{client: c, database: database, opts: o}, nil
}

// Close releases the underlying HTTP client.
func (s *InfluxSource) Close() error {
	return s.client.Close()
}

// KnownHosts lists the host tag values seen for a measurement.
func (s *InfluxSource) KnownHosts(ctx context.Context, measurement string) ([]string, error) {
	q := fmt.Sprintf(`SHOW TAG VALUES FROM %s WITH KEY = %s`, quoteIdent(measurement), quoteIdent(s.opts.hostTag))

	resp, err := s.query(ctx, q)
	if err != nil {
		return nil, err
	}

	var hosts []string
	for _, result := range resp.Results {
		for _, row := range result.Series {
			idx := columnIndex(row.Columns, "value")
			if idx < 0 {
				continue
			}
			for _, v := range row.Values {
				if host, ok := v[idx].(string); ok && host != "" {
					hosts = append(hosts, host)
				}
			}
		}
	}
	return hosts, nil
}

// LatestSample returns the last value of the field for host.
func (s *InfluxSource) LatestSample(ctx context.Context, metricType, host string) (*alerts.Sample, error) {
	measurement, field, err := splitMetric(metricType)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`SELECT last(%s) FROM %s WHERE %s = %s`,
		quoteIdent(field), quoteIdent(measurement), quoteIdent(s.opts.hostTag), quoteLiteral(host))

	resp, err := s.query(ctx, q)
	if err != nil {
		return nil, err
	}

	for _, result := range resp.Results {
		for _, row := range result.Series {
			ti := columnIndex(row.Columns, "time")
			vi := columnIndex(row.Columns, "last")
			if ti < 0 || vi < 0 || len(row.Values) == 0 {
				continue
			}
			return parseInfluxPoint(row.Values[len(row.Values)-1], ti, vi)
		}
	}
	return nil, nil
}

// query runs q, returning early if ctx is cancelled first.
func (s *InfluxSource) query(ctx context.Context, q string) (*client.Response, error) {
	type result struct {
		resp *client.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.client.Query(client.NewQuery(q, s.database, ""))
		done <- result{resp, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: influx: %v", alerts.ErrBackendUnreachable, r.err)
		}
		if err := r.resp.Error(); err != nil {
			return nil, fmt.Errorf("%w: influx: %v", alerts.ErrBackendUnreachable, err)
		}
		return r.resp, nil
	}
}

func parseInfluxPoint(values []interface{}, ti, vi int) (*alerts.Sample, error) {
	if values[vi] == nil {
		return nil, nil
	}

	var ts time.Time
	switch t := values[ti].(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return nil, fmt.Errorf("influx: bad time %q: %w", t, err)
		}
		ts = parsed
	case json.Number:
		ns, err := t.Int64()
		if err != nil {
			return nil, fmt.Errorf("influx: bad time %q: %w", t, err)
		}
		ts = time.Unix(0, ns)
	default:
		return nil, fmt.Errorf("influx: unexpected time type %T", values[ti])
	}

	var value float64
	switch v := values[vi].(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("influx: bad value %q: %w", v, err)
		}
		value = f
	case float64:
		value = v
	case bool:
		if v {
			value = 1
		}
	default:
		return nil, fmt.Errorf("influx: non-numeric value %v", values[vi])
	}

	return &alerts.Sample{Value: value, Time: ts.UTC()}, nil
}

func columnIndex(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func quoteLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `'` + strings.ReplaceAll(s, `'`, `\'`) + `'`
}
