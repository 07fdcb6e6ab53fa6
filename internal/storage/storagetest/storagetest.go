// Package storagetest holds the behavior suite every storage dialect must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/hostwatch/internal/alerts"
	"github.com/willibrandon/hostwatch/internal/storage"
)

// Opener returns a fresh, empty store for one subtest.
type Opener func(t *testing.T) *storage.Store

// Run executes the suite against stores produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s *storage.Store)
	}{
		{"RuleCRUD", testRuleCRUD},
		{"EnabledRules", testEnabledRules},
		{"OpenEventUniqueness", testOpenEventUniqueness},
		{"Lifecycle", testLifecycle},
		{"DeleteRuleDetachesEvents", testDeleteRuleDetachesEvents},
		{"ListEvents", testListEvents},
		{"PruneResolved", testPruneResolved},
		{"UserNotifications", testUserNotifications},
		{"AgentStatus", testAgentStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			tt.fn(t, s)
		})
	}
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleRule(id string) *alerts.Rule {
	return &alerts.Rule{
		ID:          id,
		Name:        "High CPU " + id,
		Description: "cpu above 90",
		MetricType:  "cpu.usage_percent",
		Comparison:  alerts.OpGreaterThan,
		Threshold:   90,
		BreachCount: 3,
		Severity:    alerts.SeverityCritical,
		Enabled:     true,
		Email:       &alerts.Escalation{Threshold: 95, BreachCount: 4},
		Targets: []alerts.Target{
			{Type: alerts.TargetHost, ID: "web-1"},
			{Type: alerts.TargetAll},
		},
		Notifications: alerts.NotificationConfig{
			Email: alerts.ChannelConfig{Enabled: true, Recipients: []string{"ops@example.com", "sre@example.com"}},
			SMS:   alerts.ChannelConfig{Enabled: false},
		},
	}
}

func openEvent(ruleID, host string, at time.Time) *alerts.Event {
	rule := &alerts.Rule{ID: ruleID}
	return alerts.NewEvent(rule, host, 93.5, "cpu high on "+host, at)
}

func testRuleCRUD(t *testing.T, s *storage.Store) {
	ctx := context.Background()

	r := sampleRule("r1")
	require.NoError(t, s.CreateRule(ctx, r))
	assert.False(t, r.CreatedAt.IsZero())

	got, err := s.GetRule(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, r.Name, got.Name)
	assert.Equal(t, alerts.OpGreaterThan, got.Comparison)
	assert.Equal(t, 3, got.BreachCount)
	assert.Equal(t, alerts.SeverityCritical, got.Severity)
	require.NotNil(t, got.Email)
	assert.Equal(t, 95.0, got.Email.Threshold)
	assert.Equal(t, 4, got.Email.BreachCount)
	assert.Nil(t, got.SMS)
	assert.ElementsMatch(t, r.Targets, got.Targets)
	assert.Equal(t, []string{"ops@example.com", "sre@example.com"}, got.Notifications.Email.Recipients)
	assert.True(t, got.Notifications.Email.Enabled)
	assert.False(t, got.Notifications.SMS.Enabled)

	r.Threshold = 80
	r.Email = nil
	r.SMS = &alerts.Escalation{Threshold: 99, BreachCount: 6}
	r.Targets = []alerts.Target{{Type: alerts.TargetHost, ID: "db-1"}}
	require.NoError(t, s.UpdateRule(ctx, r))

	got, err = s.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 80.0, got.Threshold)
	assert.Nil(t, got.Email)
	require.NotNil(t, got.SMS)
	assert.Equal(t, 6, got.SMS.BreachCount)
	assert.Equal(t, []alerts.Target{{Type: alerts.TargetHost, ID: "db-1"}}, got.Targets)

	err = s.UpdateRule(ctx, sampleRule("missing"))
	var notFound *storage.RuleNotFoundError
	assert.ErrorAs(t, err, &notFound)

	created, err := s.SaveRule(ctx, sampleRule("r2"))
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.SaveRule(ctx, sampleRule("r2"))
	require.NoError(t, err)
	assert.False(t, created)

	rules, err := s.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	missing, err := s.GetRule(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testEnabledRules(t *testing.T, s *storage.Store) {
	ctx := context.Background()

	on := sampleRule("on")
	off := sampleRule("off")
	off.Enabled = false
	require.NoError(t, s.CreateRule(ctx, on))
	require.NoError(t, s.CreateRule(ctx, off))

	rules, err := s.EnabledRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "on", rules[0].ID)
	assert.Len(t, rules[0].Targets, 2)
}

func testOpenEventUniqueness(t *testing.T, s *storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateRule(ctx, sampleRule("r1")))

	first := openEvent("r1", "web-1", base)
	got, inserted, err := s.CreateOpenEvent(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, first.ID, got.ID)

	second := openEvent("r1", "web-1", base.Add(30*time.Second))
	got, inserted, err = s.CreateOpenEvent(ctx, second)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, got.ID)

	// Another host is a separate pair.
	_, inserted, err = s.CreateOpenEvent(ctx, openEvent("r1", "web-2", base))
	require.NoError(t, err)
	assert.True(t, inserted)

	// After resolution a new event may open for the same pair.
	ok, err := s.ResolveEvent(ctx, first.ID, base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	third := openEvent("r1", "web-1", base.Add(2*time.Minute))
	got, inserted, err = s.CreateOpenEvent(ctx, third)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, third.ID, got.ID)

	ids, err := s.OpenEventIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.NotContains(t, ids, first.ID)
}

func testLifecycle(t *testing.T, s *storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateRule(ctx, sampleRule("r1")))

	ev := openEvent("r1", "web-1", base)
	_, _, err := s.CreateOpenEvent(ctx, ev)
	require.NoError(t, err)

	open, err := s.OpenEvent(ctx, "r1", "web-1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, alerts.StatusTriggered, open.Status)
	assert.True(t, open.TriggeredAt.Equal(base))

	ok, err := s.AcknowledgeEvent(ctx, ev.ID, "alice", base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// Acknowledging twice is a no-op.
	ok, err = s.AcknowledgeEvent(ctx, ev.ID, "bob", base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusAcknowledged, got.Status)
	assert.Equal(t, "alice", got.AcknowledgedBy)
	require.NotNil(t, got.AcknowledgedAt)
	assert.True(t, got.AcknowledgedAt.Equal(base.Add(time.Minute)))

	// Still open while acknowledged.
	open, err = s.OpenEvent(ctx, "r1", "web-1")
	require.NoError(t, err)
	require.NotNil(t, open)

	ok, err = s.ResolveEvent(ctx, ev.ID, base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusResolved, got.Status)
	assert.Equal(t, "alice", got.AcknowledgedBy)
	assert.Equal(t, 93.5, got.Value)
	require.NotNil(t, got.ResolvedAt)

	ok, err = s.ResolveEvent(ctx, ev.ID, base.Add(4*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.AcknowledgeEvent(ctx, ev.ID, "alice", base.Add(4*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	open, err = s.OpenEvent(ctx, "r1", "web-1")
	require.NoError(t, err)
	assert.Nil(t, open)

	missing, err := s.GetEvent(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testDeleteRuleDetachesEvents(t *testing.T, s *storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateRule(ctx, sampleRule("r1")))

	ev := openEvent("r1", "web-1", base)
	_, _, err := s.CreateOpenEvent(ctx, ev)
	require.NoError(t, err)

	deleted, err := s.DeleteRule(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, deleted)

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, got, "events survive rule deletion")
	assert.True(t, got.IsDetached())

	rule, err := s.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, rule)

	deleted, err = s.DeleteRule(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func testListEvents(t *testing.T, s *storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateRule(ctx, sampleRule("r1")))

	a := openEvent("r1", "web-1", base)
	b := openEvent("r1", "web-2", base.Add(time.Minute))
	c := openEvent("r1", "web-3", base.Add(2*time.Minute))
	for _, ev := range []*alerts.Event{a, b, c} {
		_, _, err := s.CreateOpenEvent(ctx, ev)
		require.NoError(t, err)
	}
	_, err := s.ResolveEvent(ctx, b.ID, base.Add(3*time.Minute))
	require.NoError(t, err)

	all, err := s.ListEvents(ctx, alerts.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, c.ID, all[0].ID, "newest first")

	triggered, err := s.ListEvents(ctx, alerts.EventFilter{Status: alerts.StatusTriggered})
	require.NoError(t, err)
	assert.Len(t, triggered, 2)

	byHost, err := s.ListEvents(ctx, alerts.EventFilter{Host: "web-2"})
	require.NoError(t, err)
	require.Len(t, byHost, 1)
	assert.Equal(t, b.ID, byHost[0].ID)

	limited, err := s.ListEvents(ctx, alerts.EventFilter{RuleID: "r1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testPruneResolved(t *testing.T, s *storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateRule(ctx, sampleRule("r1")))

	for i := 0; i < 5; i++ {
		ev := openEvent("r1", "web-1", base.Add(time.Duration(i)*time.Hour))
		_, _, err := s.CreateOpenEvent(ctx, ev)
		require.NoError(t, err)
		_, err = s.ResolveEvent(ctx, ev.ID, base.Add(time.Duration(i)*time.Hour+time.Minute))
		require.NoError(t, err)
	}
	open := openEvent("r1", "web-1", base)
	_, _, err := s.CreateOpenEvent(ctx, open)
	require.NoError(t, err)

	n, err := s.PruneResolved(ctx, base.Add(3*time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	left, err := s.ListEvents(ctx, alerts.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, left, 3)

	got, err := s.GetEvent(ctx, open.ID)
	require.NoError(t, err)
	assert.NotNil(t, got, "open events are never pruned")
}

func testUserNotifications(t *testing.T, s *storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateRule(ctx, sampleRule("r1")))

	alice := &storage.User{Username: "alice", Email: "alice@example.com"}
	bob := &storage.User{Username: "bob"}
	require.NoError(t, s.CreateUser(ctx, alice))
	require.NoError(t, s.CreateUser(ctx, bob))
	assert.Error(t, s.CreateUser(ctx, &storage.User{Username: "alice"}))

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	ev := openEvent("r1", "web-1", base)
	_, _, err = s.CreateOpenEvent(ctx, ev)
	require.NoError(t, err)

	inbox, err := s.Notifications(ctx, alice.ID, true)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, ev.ID, inbox[0].AlertID)
	assert.False(t, inbox[0].IsRead)

	ok, err := s.MarkNotificationRead(ctx, alice.ID, inbox[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)

	unread, err := s.Notifications(ctx, alice.ID, true)
	require.NoError(t, err)
	assert.Empty(t, unread)

	n, err := s.MarkAllNotificationsRead(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testAgentStatus(t *testing.T, s *storage.Store) {
	ctx := context.Background()

	st, err := s.LoadStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, st)

	tick := base.Add(30 * time.Second)
	want := &storage.AgentStatus{
		PID:        4242,
		Version:    "1.2.3",
		StartTime:  base,
		LastTick:   &tick,
		Ticks:      7,
		ErrorCount: 1,
		LastError:  "backend unreachable",
		AvgTickMS:  12.5,
	}
	require.NoError(t, s.SaveStatus(ctx, want))
	want.Ticks = 8
	require.NoError(t, s.SaveStatus(ctx, want))

	got, err := s.LoadStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 4242, got.PID)
	assert.Equal(t, int64(8), got.Ticks)
	assert.True(t, got.StartTime.Equal(base))
	require.NotNil(t, got.LastTick)
	assert.True(t, got.LastTick.Equal(tick))
	assert.Equal(t, "backend unreachable", got.LastError)

	require.NoError(t, s.ClearStatus(ctx))
	st, err = s.LoadStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, st)
}
