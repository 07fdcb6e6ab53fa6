// Package bus connects hostwatch to NATS. Rule editors publish on the rules
// subject to make a running agent re-read its rules, and the agent publishes
// alert lifecycle transitions for downstream consumers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/willibrandon/hostwatch/internal/alerts"
	"github.com/willibrandon/hostwatch/internal/config"
	"github.com/willibrandon/hostwatch/internal/logger"
)

// RuleChange is the payload published when a rule is created, updated or deleted.
type RuleChange struct {
	RuleID string    `json:"rule_id,omitempty"`
	Action string    `json:"action"`
	At     time.Time `json:"at"`
}

// Bus is a NATS connection bound to hostwatch's subjects.
type Bus struct {
	Conn *nats.Conn
	cfg  config.BusConfig
	subs []*nats.Subscription
}

// Connect dials the configured server and keeps reconnecting in the background.
func Connect(cfg config.BusConfig) (*Bus, error) {
	name := cfg.Name
	if name == "" {
		name = "hostwatch"
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("bus reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.URL, err)
	}

	return &Bus{Conn: conn, cfg: cfg}, nil
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() {
	if b.Conn != nil {
		_ = b.Conn.Drain()
		b.Conn.Close()
	}
}

// SubscribeRuleChanges calls handler for every message on the rules subject.
// Malformed payloads still count as a change.
func (b *Bus) SubscribeRuleChanges(handler func(RuleChange)) error {
	sub, err := b.Conn.Subscribe(b.cfg.RulesSubject, func(msg *nats.Msg) {
		var change RuleChange
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			logger.Debug("bus: unreadable rule change payload", "subject", msg.Subject, "error", err)
			change = RuleChange{Action: "unknown"}
		}
		handler(change)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.cfg.RulesSubject, err)
	}
	b.subs = append(b.subs, sub)
	return nil
}

// PublishRuleChange announces a rule edit to running agents.
func (b *Bus) PublishRuleChange(change RuleChange) error {
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	if err := b.Conn.Publish(RuleSubject(b.cfg.RulesSubject, change.Action), data); err != nil {
		return err
	}
	return b.Conn.Flush()
}

// Publish implements alerts.Publisher.
func (b *Bus) Publish(_ context.Context, l alerts.Lifecycle) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	if err := b.Conn.Publish(LifecycleSubject(b.cfg.EventsPrefix, l.Kind), data); err != nil {
		return fmt.Errorf("bus publish %s: %w", l.Kind, err)
	}
	return nil
}

// RuleSubject returns the concrete subject for a rule action. A wildcard
// subscription subject such as rules.> publishes to rules.<action>.
func RuleSubject(subscription, action string) string {
	if action == "" {
		action = "changed"
	}
	switch {
	case strings.HasSuffix(subscription, ".>"):
		return strings.TrimSuffix(subscription, ">") + action
	case strings.HasSuffix(subscription, ".*"):
		return strings.TrimSuffix(subscription, "*") + action
	default:
		return subscription
	}
}

// LifecycleSubject returns prefix.kind, e.g. alerts.triggered.
func LifecycleSubject(prefix string, kind alerts.LifecycleKind) string {
	return strings.TrimSuffix(prefix, ".") + "." + string(kind)
}
