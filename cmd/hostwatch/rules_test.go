package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/willibrandon/hostwatch/internal/alerts"
)

func TestRuleTree(t *testing.T) {
	rules := []alerts.Rule{
		{
			ID:          "cpu-high",
			Name:        "CPU high",
			MetricType:  "cpu.usage",
			Comparison:  alerts.OpGreaterThan,
			Threshold:   90,
			BreachCount: 3,
			Severity:    alerts.SeverityCritical,
			Enabled:     true,
			Email:       &alerts.Escalation{Threshold: 95, BreachCount: 5},
			Targets:     []alerts.Target{{Type: alerts.TargetHost, ID: "web-1"}, {Type: alerts.TargetHost, ID: "web-2"}},
			Notifications: alerts.NotificationConfig{
				Email: alerts.ChannelConfig{Enabled: true, Recipients: []string{"ops@example.com"}},
			},
		},
		{
			ID:          "heartbeat",
			Name:        "Agent down",
			MetricType:  "uptime.seconds",
			Comparison:  alerts.OpGreaterThan,
			BreachCount: 1,
			Severity:    alerts.SeverityWarning,
			SMS:         &alerts.Escalation{BreachCount: 2},
			Targets:     []alerts.Target{{Type: alerts.TargetAll}},
		},
	}

	out := ruleTree(rules).String()

	assert.Contains(t, out, "rules (2)")
	assert.Contains(t, out, "cpu-high  CPU high")
	assert.Contains(t, out, "cpu.usage > 90 for 3 ticks")
	assert.Contains(t, out, "web-1, web-2")
	assert.Contains(t, out, "> 95 for 5 ticks -> ops@example.com")
	assert.Contains(t, out, "[disabled]")
	assert.Contains(t, out, "all hosts")
	assert.Contains(t, out, "> 0 for 2 ticks -> off", "sms tier without a ready channel is shown as off")
}
