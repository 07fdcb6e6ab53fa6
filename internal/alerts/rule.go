package alerts

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// LivenessPrefix marks metric types evaluated by sample age instead of value.
const LivenessPrefix = "uptime."

// StalenessWindow is how old a liveness sample may be before the host counts as down.
const StalenessWindow = 60 * time.Second

// TargetType selects how a target expands into hosts.
type TargetType string

const (
	TargetHost TargetType = "host"
	TargetAll  TargetType = "all"
)

// Target narrows a rule to one host or to every host reporting the measurement.
type Target struct {
	Type TargetType `yaml:"type" json:"type"`
	ID   string     `yaml:"id,omitempty" json:"id,omitempty"`
}

// Escalation is a stricter criterion that fires a notification tier.
type Escalation struct {
	Threshold   float64 `yaml:"threshold" json:"threshold"`
	BreachCount int     `yaml:"breach_count" json:"breach_count"`
}

// ChannelConfig enables one delivery channel for a rule.
type ChannelConfig struct {
	Enabled    bool     `yaml:"enabled" json:"enabled"`
	Recipients []string `yaml:"recipients,omitempty" json:"recipients,omitempty"`
}

// Ready returns true if the channel can deliver.
func (c ChannelConfig) Ready() bool {
	return c.Enabled && len(c.Recipients) > 0
}

// NotificationConfig holds the per-channel delivery settings of a rule.
type NotificationConfig struct {
	Email ChannelConfig `yaml:"email" json:"email"`
	SMS   ChannelConfig `yaml:"sms" json:"sms"`
}

// Channel returns the channel settings backing a tier.
func (n NotificationConfig) Channel(t Tier) ChannelConfig {
	switch t {
	case TierEmail:
		return n.Email
	case TierSMS:
		return n.SMS
	default:
		return ChannelConfig{}
	}
}

// Rule is a persisted alert rule.
type Rule struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	MetricType  string   `yaml:"metric_type" json:"metric_type"`
	Comparison  Operator `yaml:"comparison" json:"comparison"`
	Threshold   float64  `yaml:"threshold" json:"threshold"`
	BreachCount int      `yaml:"breach_count" json:"breach_count"`
	Severity    Severity `yaml:"severity" json:"severity"`
	Enabled     bool     `yaml:"enabled" json:"enabled"`

	// Email and SMS are optional escalation tiers; nil means the tier never fires.
	Email *Escalation `yaml:"email,omitempty" json:"email,omitempty"`
	SMS   *Escalation `yaml:"sms,omitempty" json:"sms,omitempty"`

	Targets       []Target           `yaml:"targets" json:"targets"`
	Notifications NotificationConfig `yaml:"notifications" json:"notifications"`

	CreatedAt time.Time `yaml:"-" json:"created_at"`
	UpdatedAt time.Time `yaml:"-" json:"updated_at"`
}

// DefaultRule returns a rule with default values applied.
func DefaultRule() Rule {
	return Rule{
		Comparison:  OpGreaterThan,
		BreachCount: 1,
		Severity:    SeverityWarning,
		Enabled:     true,
	}
}

// ApplyDefaults fills zero-valued optional fields.
func (r *Rule) ApplyDefaults() {
	if r.Comparison == "" {
		r.Comparison = OpGreaterThan
	}
	if r.BreachCount == 0 {
		r.BreachCount = 1
	}
	if r.Severity == "" {
		r.Severity = SeverityWarning
	}
}

// Measurement returns the metric type prefix used to discover hosts.
func (r *Rule) Measurement() string {
	measurement, _, _ := strings.Cut(r.MetricType, ".")
	return measurement
}

// IsLiveness returns true for rules evaluated by sample age.
func (r *Rule) IsLiveness() bool {
	return strings.HasPrefix(r.MetricType, LivenessPrefix)
}

// Escalation returns the tier criterion, or nil if the tier is not configured.
func (r *Rule) Escalation(t Tier) *Escalation {
	switch t {
	case TierEmail:
		return r.Email
	case TierSMS:
		return r.SMS
	default:
		return nil
	}
}

// HasEscalations returns true if any tier is configured.
func (r *Rule) HasEscalations() bool {
	return r.Email != nil || r.SMS != nil
}

// Validate checks if the rule can be evaluated.
// Errors wrap ErrMalformedRule.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrMalformedRule)
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: rule %s: name is required", ErrMalformedRule, r.ID)
	}

	measurement, field, ok := strings.Cut(r.MetricType, ".")
	if !ok || measurement == "" || field == "" {
		return fmt.Errorf("%w: rule %s: metric_type %q must be measurement.field", ErrMalformedRule, r.ID, r.MetricType)
	}

	if !r.Comparison.IsValid() {
		return fmt.Errorf("%w: rule %s: invalid comparison %q", ErrMalformedRule, r.ID, r.Comparison)
	}
	if math.IsNaN(r.Threshold) || math.IsInf(r.Threshold, 0) {
		return fmt.Errorf("%w: rule %s: threshold must be finite", ErrMalformedRule, r.ID)
	}
	if r.BreachCount < 1 {
		return fmt.Errorf("%w: rule %s: breach_count must be >= 1, got %d", ErrMalformedRule, r.ID, r.BreachCount)
	}
	if r.Severity != "" && !r.Severity.IsValid() {
		return fmt.Errorf("%w: rule %s: invalid severity %q", ErrMalformedRule, r.ID, r.Severity)
	}

	if len(r.Targets) == 0 {
		return fmt.Errorf("%w: rule %s: at least one target is required", ErrMalformedRule, r.ID)
	}
	for i, t := range r.Targets {
		switch t.Type {
		case TargetAll:
		case TargetHost:
			if t.ID == "" {
				return fmt.Errorf("%w: rule %s: targets[%d]: host target requires an id", ErrMalformedRule, r.ID, i)
			}
		default:
			return fmt.Errorf("%w: rule %s: targets[%d]: unknown target type %q", ErrMalformedRule, r.ID, i, t.Type)
		}
	}

	for _, tier := range Tiers {
		esc := r.Escalation(tier)
		if esc == nil {
			continue
		}
		if esc.BreachCount < 1 {
			return fmt.Errorf("%w: rule %s: %s breach_count must be >= 1, got %d", ErrMalformedRule, r.ID, tier, esc.BreachCount)
		}
		if math.IsNaN(esc.Threshold) || math.IsInf(esc.Threshold, 0) {
			return fmt.Errorf("%w: rule %s: %s threshold must be finite", ErrMalformedRule, r.ID, tier)
		}
	}

	return nil
}

// EscalationIssues reports tiers that are easier to reach than the base rule.
// Such rules still evaluate; the issues are surfaced to operators.
func (r *Rule) EscalationIssues() []string {
	var issues []string
	for _, tier := range Tiers {
		esc := r.Escalation(tier)
		if esc == nil {
			continue
		}
		if !r.IsLiveness() && !r.Comparison.AtLeastAsStrict(r.Threshold, esc.Threshold) {
			issues = append(issues, fmt.Sprintf("%s threshold %g is less strict than base threshold %g for operator %s",
				tier, esc.Threshold, r.Threshold, r.Comparison))
		}
		if esc.BreachCount < r.BreachCount {
			issues = append(issues, fmt.Sprintf("%s breach_count %d is lower than base breach_count %d",
				tier, esc.BreachCount, r.BreachCount))
		}
	}
	return issues
}
