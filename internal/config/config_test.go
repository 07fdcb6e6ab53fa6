package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func loadFromString(t *testing.T, body string) *Config {
	t.Helper()
	cfg, err := LoadConfigFromPath(writeConfig(t, body))
	if err != nil {
		t.Fatalf("LoadConfigFromPath: %v", err)
	}
	return cfg
}

func TestLoadConfigFromPath_Values(t *testing.T) {
	cfg := loadFromString(t, `
storage:
  driver: postgres
  dsn: postgres://hostwatch@localhost/hostwatch
metrics:
  backend: prometheus
  url: http://prom:9090
  host_tag: instance
alerts:
  interval: 1m
  tick_timeout: 45s
  concurrency: 4
notify:
  email:
    enabled: true
    host: smtp.example.com
    from: alerts@example.com
`)

	if cfg.Storage.Driver != "postgres" {
		t.Errorf("storage.driver: got %q", cfg.Storage.Driver)
	}
	if cfg.Metrics.Backend != "prometheus" || cfg.Metrics.HostTag != "instance" {
		t.Errorf("metrics: got %+v", cfg.Metrics)
	}
	if cfg.Alerts.Interval != time.Minute || cfg.Alerts.TickTimeout != 45*time.Second {
		t.Errorf("alerts timing: got %v / %v", cfg.Alerts.Interval, cfg.Alerts.TickTimeout)
	}
	if cfg.Alerts.Concurrency != 4 {
		t.Errorf("alerts.concurrency: got %d", cfg.Alerts.Concurrency)
	}
	if !cfg.Notify.Email.Enabled || cfg.Notify.Email.Port != 587 {
		t.Errorf("notify.email: got %+v", cfg.Notify.Email)
	}
	if cfg.Path() == "" {
		t.Error("Path() should report the file in use")
	}
}

func TestLoadConfigFromPath_Defaults(t *testing.T) {
	cfg := loadFromString(t, "debug: true\n")

	d := DefaultAlertsConfig()
	if cfg.Alerts != d {
		t.Errorf("alerts defaults: got %+v, want %+v", cfg.Alerts, d)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage.driver default: got %q", cfg.Storage.Driver)
	}
	if !strings.HasSuffix(cfg.Storage.SQLitePath(), "hostwatch.db") {
		t.Errorf("sqlite path: got %q", cfg.Storage.SQLitePath())
	}
	if cfg.Metrics.Backend != "influx" || cfg.Metrics.Database != "telegraf" {
		t.Errorf("metrics defaults: got %+v", cfg.Metrics)
	}
	if !cfg.Metrics.Breaker.Enabled || cfg.Metrics.Breaker.MaxFailures != 5 {
		t.Errorf("breaker defaults: got %+v", cfg.Metrics.Breaker)
	}
	if cfg.Bus.RulesSubject != "rules.>" || cfg.Bus.EventsPrefix != "alerts" {
		t.Errorf("bus defaults: got %+v", cfg.Bus)
	}
	if !cfg.Debug {
		t.Error("debug should be true")
	}
}

func TestLoadConfigFromPath_EnvOverride(t *testing.T) {
	t.Setenv("HOSTWATCH_ALERTS_CONCURRENCY", "3")
	t.Setenv("HOSTWATCH_METRICS_URL", "http://influx.internal:8086")

	cfg := loadFromString(t, "alerts:\n  concurrency: 12\n")

	if cfg.Alerts.Concurrency != 3 {
		t.Errorf("env override concurrency: got %d", cfg.Alerts.Concurrency)
	}
	if cfg.Metrics.URL != "http://influx.internal:8086" {
		t.Errorf("env override url: got %q", cfg.Metrics.URL)
	}
}

func TestLoadConfigFromPath_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown driver", "storage:\n  driver: oracle\n", "storage.driver"},
		{"mysql without dsn", "storage:\n  driver: mysql\n", "storage.dsn"},
		{"unknown backend", "metrics:\n  backend: graphite\n", "metrics.backend"},
		{"timeout above interval", "alerts:\n  interval: 10s\n  tick_timeout: 20s\n", "alerts.tick_timeout"},
		{"zero concurrency", "alerts:\n  concurrency: 0\n", "alerts.concurrency"},
		{"email without from", "notify:\n  email:\n    enabled: true\n", "notify.email.from"},
		{"bad sms url", "notify:\n  sms:\n    enabled: true\n    api_url: ftp://x\n    from: \"+1555\"\n", "notify.sms.api_url"},
		{"bad bus url", "bus:\n  enabled: true\n  url: http://nats\n", "bus.url"},
		{"bad admin listen", "admin:\n  listen: nocolon\n", "admin.listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFromPath(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigFromPath_MissingFile(t *testing.T) {
	if _, err := LoadConfigFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "alerts:\n  concurrency: 2\n")
	cfg, err := LoadConfigFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	changed := make(chan *Config, 4)
	cfg.Watch(func(next *Config) { changed <- next })

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("alerts:\n  concurrency: 6\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case next := <-changed:
			if next.Alerts.Concurrency == 6 {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
