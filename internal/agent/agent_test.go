package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/hostwatch/internal/alerts"
	"github.com/willibrandon/hostwatch/internal/config"
	"github.com/willibrandon/hostwatch/internal/storage"
)

func TestPIDFile(t *testing.T) {
	p := NewPIDFile(t.TempDir())

	pid, err := p.Running()
	require.NoError(t, err)
	assert.Zero(t, pid)

	require.NoError(t, p.Acquire())
	got, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), got)

	// Re-acquiring our own file is allowed.
	require.NoError(t, p.Acquire())

	pid, err = p.Running()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Release())
	_, err = p.Read()
	assert.ErrorIs(t, err, ErrNoPIDFile)
	require.NoError(t, p.Release(), "releasing twice is a no-op")
}

func TestPIDFile_Stale(t *testing.T) {
	p := NewPIDFile(t.TempDir())
	// PIDs are bounded well below this on every supported platform.
	require.NoError(t, os.WriteFile(p.Path(), []byte("2147480000\n"), 0644))

	pid, err := p.Running()
	require.NoError(t, err)
	assert.Zero(t, pid)
	_, err = os.Stat(p.Path())
	assert.True(t, os.IsNotExist(err), "stale PID file is removed")

	require.NoError(t, os.WriteFile(p.Path(), []byte("garbage"), 0644))
	_, err = p.Read()
	assert.Error(t, err)
}

type memStatus struct {
	mu      sync.Mutex
	saved   []storage.AgentStatus
	cleared bool
	err     error
}

func (m *memStatus) SaveStatus(ctx context.Context, st *storage.AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, *st)
	return m.err
}

func (m *memStatus) ClearStatus(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = true
	return nil
}

func TestStatusRecorder(t *testing.T) {
	store := &memStatus{}
	rec := NewStatusRecorder(store, "1.2.3")
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return now }

	require.NoError(t, rec.Start(context.Background()))
	require.Len(t, store.saved, 1)
	assert.Equal(t, now, store.saved[0].StartTime)
	assert.Equal(t, "1.2.3", store.saved[0].Version)
	assert.Nil(t, store.saved[0].LastTick)

	now = now.Add(30 * time.Second)
	rec.Record(&alerts.TickReport{Duration: 40 * time.Millisecond}, nil)
	now = now.Add(30 * time.Second)
	rec.Record(nil, errors.New("persistence unavailable"))

	snap := rec.Snapshot()
	assert.Equal(t, int64(2), snap.Ticks)
	assert.Equal(t, int64(1), snap.ErrorCount)
	assert.Equal(t, "persistence unavailable", snap.LastError)
	require.NotNil(t, snap.LastTick)
	assert.Equal(t, now, *snap.LastTick)
	assert.InDelta(t, 40.0, snap.AvgTickMS, 0.001)
	assert.Len(t, store.saved, 3)

	store.err = errors.New("disk full")
	rec.Record(&alerts.TickReport{Duration: 10 * time.Millisecond}, nil)
	assert.Equal(t, int64(3), rec.Snapshot().Ticks, "save failures do not lose the in-memory status")

	require.NoError(t, rec.Clear(context.Background()))
	assert.True(t, store.cleared)
}

func TestIsHealthy(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	last := start.Add(5 * time.Minute)

	tests := []struct {
		name string
		st   *storage.AgentStatus
		now  time.Time
		want bool
	}{
		{"no row", nil, start, false},
		{"fresh start", &storage.AgentStatus{StartTime: start}, start.Add(50 * time.Second), true},
		{"never ticked", &storage.AgentStatus{StartTime: start}, start.Add(2 * time.Minute), false},
		{"recent tick", &storage.AgentStatus{StartTime: start, LastTick: &last}, last.Add(time.Minute), true},
		{"stale tick", &storage.AgentStatus{StartTime: start, LastTick: &last}, last.Add(61 * time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsHealthy(tt.st, 30*time.Second, tt.now))
		})
	}
}

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	batch   int
}

func (f *fakePruner) PruneResolved(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	f.batch = batchSize
	return 2, nil
}

func (f *fakePruner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestRetentionManager(t *testing.T) {
	store := &fakePruner{}
	rm := NewRetentionManager(store, 24*time.Hour)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rm.now = func() time.Time { return now }

	n, err := rm.PruneNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, now.Add(-24*time.Hour), store.cutoffs[0])
	assert.Equal(t, 10000, store.batch)

	rm.interval = 20 * time.Millisecond
	rm.Start()
	require.Eventually(t, func() bool { return store.calls() >= 3 }, 2*time.Second, 10*time.Millisecond)
	rm.Stop()

	after := store.calls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, store.calls(), "no prunes after Stop")
}

func TestWebhookDelivery_RetriesServerErrors(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
		received []WebhookPayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var p WebhookPayload
		if err := json.Unmarshal(body, &p); err == nil {
			received = append(received, p)
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wd := NewWebhookDelivery(config.WebhookConfig{URL: srv.URL, MaxRetries: 3, Timeout: time.Second})
	wd.initialBackoff = time.Millisecond
	wd.Start()

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, wd.Publish(context.Background(), alerts.Lifecycle{
		Kind:     alerts.LifecycleTriggered,
		RuleName: "High CPU",
		Severity: alerts.SeverityCritical,
		Event:    alerts.Event{ID: "ev-1", RuleID: "cpu-high", Host: "web-1", Status: alerts.StatusTriggered, Value: 95, TriggeredAt: at},
		At:       at,
	}))
	wd.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
	require.Len(t, received, 1)
	assert.Equal(t, "alert_triggered", received[0].Event)
	assert.Equal(t, "ev-1", received[0].Alert.ID)
	assert.Equal(t, "High CPU", received[0].Alert.RuleName)
	assert.Equal(t, alerts.SeverityCritical, received[0].Alert.Severity)
	assert.Equal(t, 95.0, received[0].Alert.Value)

	err := wd.Publish(context.Background(), alerts.Lifecycle{Kind: alerts.LifecycleResolved})
	assert.ErrorIs(t, err, ErrWebhookStopped)
}

func TestWebhookDelivery_ClientErrorIsPermanent(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	wd := NewWebhookDelivery(config.WebhookConfig{URL: srv.URL, MaxRetries: 3})
	wd.initialBackoff = time.Millisecond
	wd.Start()
	require.NoError(t, wd.Publish(context.Background(), alerts.Lifecycle{Kind: alerts.LifecycleResolved, Event: alerts.Event{ID: "ev-2"}}))
	wd.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
}

func TestWebhookDelivery_QueueFull(t *testing.T) {
	wd := NewWebhookDelivery(config.WebhookConfig{URL: "http://127.0.0.1:1"})
	// Not started: nothing drains the queue.
	for i := 0; i < webhookQueueSize; i++ {
		require.NoError(t, wd.Publish(context.Background(), alerts.Lifecycle{Kind: alerts.LifecycleTriggered}))
	}
	err := wd.Publish(context.Background(), alerts.Lifecycle{Kind: alerts.LifecycleTriggered, Event: alerts.Event{ID: "ev-x"}})
	assert.ErrorIs(t, err, ErrWebhookQueueFull)
}

func TestNewWebhookPayload(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	p := NewWebhookPayload(alerts.Lifecycle{
		Kind:  alerts.LifecycleEscalated,
		Tier:  alerts.TierSMS,
		Event: alerts.Event{ID: "ev-1", Host: "db-1", Status: alerts.StatusAcknowledged, AcknowledgedBy: "u-1"},
		At:    at,
	}, "monitor-01")

	assert.Equal(t, "alert_escalated", p.Event)
	assert.Equal(t, alerts.TierSMS, p.Alert.Tier)
	assert.Equal(t, "u-1", p.Alert.AcknowledgedBy)
	assert.Equal(t, at, p.Timestamp)
	assert.Equal(t, "monitor-01", p.Agent.Hostname)
	assert.Equal(t, Version, p.Agent.Version)
}

func TestFormatUptime(t *testing.T) {
	tests := map[time.Duration]string{
		42 * time.Second:                          "42s",
		3*time.Minute + 5*time.Second:             "3m 5s",
		2*time.Hour + 4*time.Minute + time.Second: "2h 4m 1s",
		50*time.Hour + 30*time.Minute:             "2d 2h 30m",
	}
	for d, want := range tests {
		assert.Equal(t, want, formatUptime(d), d.String())
	}
}

// prometheusBackend serves a single cpu_usage_percent series for web-1.
func prometheusBackend(t *testing.T, value string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/label/host/values":
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "data": []string{"web-1"}})
		case "/api/v1/query":
			result := []any{}
			if strings.Contains(r.FormValue("query"), `"web-1"`) {
				ts := time.Now().Unix()
				result = append(result, map[string]any{
					"metric": map[string]string{"__name__": "cpu_usage_percent", "host": "web-1"},
					"values": [][]any{{ts, value}},
				})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "data": map[string]any{
				"resultType": "matrix",
				"result":     result,
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

const agentRules = `
rules:
  - id: cpu-high
    name: High CPU
    metric_type: cpu.usage_percent
    comparison: ">"
    threshold: 90
    breach_count: 1
    targets:
      - type: host
        id: web-1
`

func testConfig(t *testing.T, metricsURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(agentRules), 0644))

	return &config.Config{
		Storage: config.StorageConfig{Driver: "sqlite", DataPath: dir, MaxOpenConns: 1},
		Metrics: config.MetricsConfig{
			Backend:  "prometheus",
			URL:      metricsURL,
			Timeout:  5 * time.Second,
			HostTag:  "host",
			Lookback: 10 * time.Minute,
		},
		Alerts: config.AlertsConfig{
			Enabled:          true,
			Interval:         time.Hour,
			TickTimeout:      10 * time.Second,
			Concurrency:      2,
			HistoryRetention: 720 * time.Hour,
			RulesFile:        rulesPath,
		},
		Admin:    config.AdminConfig{Enabled: true, Listen: "127.0.0.1:0"},
		LogLevel: "info",
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestAgent_EndToEnd(t *testing.T) {
	backend := prometheusBackend(t, "97.5")
	cfg := testConfig(t, backend.URL)

	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	stopped := false
	defer func() {
		if !stopped {
			_ = a.Stop()
		}
	}()

	base := "http://" + a.AdminAddr()

	var events []alerts.Event
	require.Eventually(t, func() bool {
		events = nil
		return getJSON(t, base+"/events?status=triggered", &events) == http.StatusOK && len(events) == 1
	}, 5*time.Second, 20*time.Millisecond, "first tick runs at start and triggers cpu-high on web-1")

	ev := events[0]
	assert.Equal(t, "cpu-high", ev.RuleID)
	assert.Equal(t, "web-1", ev.Host)
	assert.Equal(t, 97.5, ev.Value)
	assert.Contains(t, ev.Message, "web-1")

	resp, err := http.Post(base+"/events/"+ev.ID+"/ack", "application/json", strings.NewReader(`{"user_id":"oncall"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var acked alerts.Event
	require.Equal(t, http.StatusOK, getJSON(t, base+"/events/"+ev.ID, &acked))
	assert.Equal(t, alerts.StatusAcknowledged, acked.Status)
	assert.Equal(t, "oncall", acked.AcknowledgedBy)

	// A reload re-evaluates without opening a second event for the pair.
	resp, err = http.Post(base+"/reload", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var health map[string]any
	require.Eventually(t, func() bool {
		health = nil
		if getJSON(t, base+"/healthz", &health) != http.StatusOK {
			return false
		}
		st, _ := health["status"].(map[string]any)
		ticks, _ := st["ticks"].(float64)
		return ticks >= 2
	}, 5*time.Second, 20*time.Millisecond)

	var all []alerts.Event
	require.Equal(t, http.StatusOK, getJSON(t, base+"/events", &all))
	assert.Len(t, all, 1)

	pid, err := a.pidFile.Running()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, a.Stop())
	stopped = true

	_, err = os.Stat(a.pidFile.Path())
	assert.True(t, os.IsNotExist(err), "PID file removed on stop")

	st, err := GetStatus(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotEqual(t, "running", st.State)
	assert.Zero(t, st.PID)
}

func TestAgent_StartFailsOnBadStore(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Storage.Driver = "oracle"

	a, err := New(cfg)
	require.NoError(t, err)
	err = a.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage driver")
	require.NoError(t, a.Stop())
}
