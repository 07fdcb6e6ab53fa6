package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/viper"
)

// BusConfig configures the NATS connection used for rule-change signals and
// alert lifecycle fan-out.
type BusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Name    string `mapstructure:"name"`

	// RulesSubject is subscribed to; any message triggers a reconfigure.
	RulesSubject string `mapstructure:"rules_subject"`

	// EventsPrefix prefixes lifecycle subjects, e.g. alerts.triggered.
	EventsPrefix string `mapstructure:"events_prefix"`
}

// AdminConfig configures the local admin HTTP API.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

func applyAgentDefaults(v *viper.Viper) {
	v.SetDefault("bus.enabled", false)
	v.SetDefault("bus.url", "nats://127.0.0.1:4222")
	v.SetDefault("bus.name", "hostwatch")
	v.SetDefault("bus.rules_subject", "rules.>")
	v.SetDefault("bus.events_prefix", "alerts")

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.listen", "127.0.0.1:9321")
}

// ValidateAgentConfig validates the daemon-level sections.
func ValidateAgentConfig(cfg *Config) error {
	if cfg.Bus.Enabled {
		if !strings.HasPrefix(cfg.Bus.URL, "nats://") && !strings.HasPrefix(cfg.Bus.URL, "tls://") {
			return fmt.Errorf("bus.url must start with nats:// or tls://, got %q", cfg.Bus.URL)
		}
		if cfg.Bus.RulesSubject == "" {
			return fmt.Errorf("bus.rules_subject cannot be empty")
		}
		if cfg.Bus.EventsPrefix == "" {
			return fmt.Errorf("bus.events_prefix cannot be empty")
		}
	}

	if cfg.Admin.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Admin.Listen); err != nil {
			return fmt.Errorf("admin.listen must be host:port, got %q: %w", cfg.Admin.Listen, err)
		}
	}

	return nil
}
