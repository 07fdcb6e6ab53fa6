package config

import (
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/spf13/viper"
)

// NotifyConfig holds delivery channel settings.
type NotifyConfig struct {
	Email   EmailConfig   `mapstructure:"email"`
	SMS     SMSConfig     `mapstructure:"sms"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// EmailConfig configures the SMTP relay used by the email tier.
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`

	// TLSPolicy is opportunistic, mandatory or none.
	TLSPolicy string        `mapstructure:"tls_policy"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// SMSConfig configures the HTTP SMS gateway used by the sms tier.
type SMSConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	APIURL     string        `mapstructure:"api_url"`
	AccountSID string        `mapstructure:"account_sid"`
	AuthToken  string        `mapstructure:"auth_token"`
	From       string        `mapstructure:"from"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// WebhookConfig configures lifecycle webhook delivery.
type WebhookConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

var validTLSPolicies = []string{"opportunistic", "mandatory", "none"}

func applyNotifyDefaults(v *viper.Viper) {
	v.SetDefault("notify.email.enabled", false)
	v.SetDefault("notify.email.host", "localhost")
	v.SetDefault("notify.email.port", 587)
	v.SetDefault("notify.email.username", "")
	v.SetDefault("notify.email.password", "")
	v.SetDefault("notify.email.from", "")
	v.SetDefault("notify.email.tls_policy", "opportunistic")
	v.SetDefault("notify.email.timeout", "15s")

	v.SetDefault("notify.sms.enabled", false)
	v.SetDefault("notify.sms.api_url", "")
	v.SetDefault("notify.sms.account_sid", "")
	v.SetDefault("notify.sms.auth_token", "")
	v.SetDefault("notify.sms.from", "")
	v.SetDefault("notify.sms.timeout", "10s")

	v.SetDefault("notify.webhook.enabled", false)
	v.SetDefault("notify.webhook.url", "")
	v.SetDefault("notify.webhook.timeout", "10s")
	v.SetDefault("notify.webhook.max_retries", 3)
}

// ValidateNotifyConfig validates the enabled channels.
func ValidateNotifyConfig(cfg *NotifyConfig) error {
	if cfg.Email.Enabled {
		if cfg.Email.Host == "" {
			return fmt.Errorf("notify.email.host is required when email is enabled")
		}
		if cfg.Email.Port < 1 || cfg.Email.Port > 65535 {
			return fmt.Errorf("notify.email.port must be between 1 and 65535, got %d", cfg.Email.Port)
		}
		if cfg.Email.From == "" {
			return fmt.Errorf("notify.email.from is required when email is enabled")
		}
		if !slices.Contains(validTLSPolicies, cfg.Email.TLSPolicy) {
			return fmt.Errorf("notify.email.tls_policy must be one of: %v, got %q", validTLSPolicies, cfg.Email.TLSPolicy)
		}
	}

	if cfg.SMS.Enabled {
		if err := validateURL("notify.sms.api_url", cfg.SMS.APIURL); err != nil {
			return err
		}
		if cfg.SMS.From == "" {
			return fmt.Errorf("notify.sms.from is required when sms is enabled")
		}
	}

	if cfg.Webhook.Enabled {
		if err := validateURL("notify.webhook.url", cfg.Webhook.URL); err != nil {
			return err
		}
	}

	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", field, raw)
	}
	return nil
}
