// Package config loads hostwatch configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the root configuration structure
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Bus     BusConfig     `mapstructure:"bus"`
	Admin   AdminConfig   `mapstructure:"admin"`

	// LogFile is the rotating log path; "-" logs to stderr.
	LogFile  string `mapstructure:"log_file"`
	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`

	v *viper.Viper
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is one of sqlite, mysql, postgres.
	Driver string `mapstructure:"driver"`

	// DSN is the connection string. For sqlite it is the database path and
	// defaults to <data_path>/hostwatch.db.
	DSN string `mapstructure:"dsn"`

	DataPath     string `mapstructure:"data_path"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// GetDataPath returns the data directory with ~ expanded.
func (s StorageConfig) GetDataPath() string {
	return expandHome(s.DataPath)
}

// SQLitePath returns the sqlite database file.
func (s StorageConfig) SQLitePath() string {
	if s.DSN != "" {
		return expandHome(s.DSN)
	}
	return filepath.Join(s.GetDataPath(), "hostwatch.db")
}

// MetricsConfig points at the time-series backend.
type MetricsConfig struct {
	// Backend is influx or prometheus.
	Backend  string        `mapstructure:"backend"`
	URL      string        `mapstructure:"url"`
	Database string        `mapstructure:"database"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// HostTag is the tag or label carrying the host name.
	HostTag string `mapstructure:"host_tag"`

	// Lookback bounds how far back Prometheus queries search for a sample.
	Lookback time.Duration `mapstructure:"lookback"`

	// LivenessLookback bounds the Prometheus last-seen search for uptime.*
	// metrics. It must cover breach_count ticks plus the 60s staleness window
	// of every liveness rule, or a long-silent host evaluates as unknown and
	// its rule never fires.
	LivenessLookback time.Duration `mapstructure:"liveness_lookback"`

	Breaker BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of the backend.
type BreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

var (
	validDrivers  = []string{"sqlite", "mysql", "postgres"}
	validBackends = []string{"influx", "prometheus"}
)

// LoadConfig loads configuration from the default search path and environment variables.
// A missing config file is not an error; defaults apply.
func LoadConfig() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME/.config/hostwatch")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return decode(v)
}

// LoadConfigFromPath loads configuration from an explicit file.
func LoadConfigFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	return decode(v)
}

// Load picks LoadConfigFromPath when path is set and LoadConfig otherwise.
func Load(path string) (*Config, error) {
	if path != "" {
		return LoadConfigFromPath(path)
	}
	return LoadConfig()
}

// Path returns the config file in use, or "" when running on defaults.
func (c *Config) Path() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("HOSTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	applyDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.v = v

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateConfig validates the configuration values
func ValidateConfig(cfg *Config) error {
	if !slices.Contains(validDrivers, cfg.Storage.Driver) {
		return fmt.Errorf("storage.driver must be one of: %v, got %q", validDrivers, cfg.Storage.Driver)
	}
	if cfg.Storage.Driver != "sqlite" && cfg.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for driver %s", cfg.Storage.Driver)
	}
	if cfg.Storage.MaxOpenConns < 1 {
		return fmt.Errorf("storage.max_open_conns must be >= 1, got %d", cfg.Storage.MaxOpenConns)
	}

	if !slices.Contains(validBackends, cfg.Metrics.Backend) {
		return fmt.Errorf("metrics.backend must be one of: %v, got %q", validBackends, cfg.Metrics.Backend)
	}
	if cfg.Metrics.URL == "" {
		return fmt.Errorf("metrics.url cannot be empty")
	}
	if cfg.Metrics.Backend == "influx" && cfg.Metrics.Database == "" {
		return fmt.Errorf("metrics.database is required for the influx backend")
	}
	if cfg.Metrics.HostTag == "" {
		return fmt.Errorf("metrics.host_tag cannot be empty")
	}
	if err := validateInterval("metrics.timeout", cfg.Metrics.Timeout, time.Second, 5*time.Minute); err != nil {
		return err
	}
	if cfg.Metrics.Breaker.Enabled && cfg.Metrics.Breaker.MaxFailures == 0 {
		return fmt.Errorf("metrics.breaker.max_failures must be >= 1 when the breaker is enabled")
	}

	if err := ValidateAlertsConfig(&cfg.Alerts); err != nil {
		return err
	}
	if err := ValidateNotifyConfig(&cfg.Notify); err != nil {
		return err
	}
	if err := ValidateAgentConfig(cfg); err != nil {
		return err
	}

	return nil
}

// applyDefaults sets default configuration values
func applyDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.data_path", "~/.config/hostwatch")
	v.SetDefault("storage.max_open_conns", 5)

	// Metrics defaults
	v.SetDefault("metrics.backend", "influx")
	v.SetDefault("metrics.url", "http://localhost:8086")
	v.SetDefault("metrics.database", "telegraf")
	v.SetDefault("metrics.username", "")
	v.SetDefault("metrics.password", "")
	v.SetDefault("metrics.timeout", "10s")
	v.SetDefault("metrics.host_tag", "host")
	v.SetDefault("metrics.lookback", "1h")
	v.SetDefault("metrics.liveness_lookback", "168h")
	v.SetDefault("metrics.breaker.enabled", true)
	v.SetDefault("metrics.breaker.max_failures", 5)
	v.SetDefault("metrics.breaker.open_timeout", "30s")

	applyAlertsDefaults(v)
	applyNotifyDefaults(v)
	applyAgentDefaults(v)

	v.SetDefault("log_file", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("debug", false)
}

// validateInterval validates a duration setting.
func validateInterval(field string, value, min, max time.Duration) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %v and %v, got %v", field, min, max, value)
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
