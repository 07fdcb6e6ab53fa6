package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// AlertsConfig holds alert engine configuration.
type AlertsConfig struct {
	// Enabled is the master switch for evaluation (default: true).
	Enabled bool `mapstructure:"enabled"`

	// Interval is the evaluation period (default: 30s).
	Interval time.Duration `mapstructure:"interval"`

	// TickTimeout abandons a tick that runs longer (default: 25s, at most Interval).
	TickTimeout time.Duration `mapstructure:"tick_timeout"`

	// Concurrency bounds concurrent (rule, host) evaluations per tick (default: 8).
	Concurrency int `mapstructure:"concurrency"`

	// HistoryRetention is how long to keep resolved alert events (default: 720h/30d).
	HistoryRetention time.Duration `mapstructure:"history_retention"`

	// MessageTemplate is an optional text/template for event messages.
	MessageTemplate string `mapstructure:"message_template"`

	// RulesFile is an optional YAML file of rules synced into the store and watched for changes.
	RulesFile string `mapstructure:"rules_file"`
}

// DefaultAlertsConfig returns the default alerts configuration.
func DefaultAlertsConfig() AlertsConfig {
	return AlertsConfig{
		Enabled:          true,
		Interval:         30 * time.Second,
		TickTimeout:      25 * time.Second,
		Concurrency:      8,
		HistoryRetention: 720 * time.Hour, // 30 days
	}
}

func applyAlertsDefaults(v *viper.Viper) {
	d := DefaultAlertsConfig()
	v.SetDefault("alerts.enabled", d.Enabled)
	v.SetDefault("alerts.interval", d.Interval.String())
	v.SetDefault("alerts.tick_timeout", d.TickTimeout.String())
	v.SetDefault("alerts.concurrency", d.Concurrency)
	v.SetDefault("alerts.history_retention", d.HistoryRetention.String())
	v.SetDefault("alerts.message_template", "")
	v.SetDefault("alerts.rules_file", "")
}

// ValidateAlertsConfig validates the alerts section.
func ValidateAlertsConfig(cfg *AlertsConfig) error {
	if err := validateInterval("alerts.interval", cfg.Interval, time.Second, time.Hour); err != nil {
		return err
	}
	if cfg.TickTimeout <= 0 || cfg.TickTimeout > cfg.Interval {
		return fmt.Errorf("alerts.tick_timeout must be > 0 and <= alerts.interval (%v), got %v", cfg.Interval, cfg.TickTimeout)
	}
	if cfg.Concurrency < 1 || cfg.Concurrency > 256 {
		return fmt.Errorf("alerts.concurrency must be between 1 and 256, got %d", cfg.Concurrency)
	}
	if err := validateInterval("alerts.history_retention", cfg.HistoryRetention, time.Hour, 8760*time.Hour); err != nil {
		return err
	}
	return nil
}
