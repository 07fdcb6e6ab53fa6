package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store with the same open-event uniqueness as the SQL stores.
type memStore struct {
	mu       sync.Mutex
	rules    []Rule
	events   []*Event
	rulesErr error
}

func (s *memStore) EnabledRules(ctx context.Context) ([]Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rulesErr != nil {
		return nil, s.rulesErr
	}
	var out []Rule
	for _, r := range s.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) setRules(rules ...Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}

func (s *memStore) OpenEvent(ctx context.Context, ruleID, host string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.RuleID == ruleID && ev.Host == host && ev.Status.IsOpen() {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) OpenEventIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, ev := range s.events {
		if ev.Status.IsOpen() {
			ids = append(ids, ev.ID)
		}
	}
	return ids, nil
}

func (s *memStore) CreateOpenEvent(ctx context.Context, ev *Event) (*Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.events {
		if existing.RuleID == ev.RuleID && existing.Host == ev.Host && existing.Status.IsOpen() {
			cp := *existing
			return &cp, false, nil
		}
	}
	stored := *ev
	s.events = append(s.events, &stored)
	cp := stored
	return &cp, true, nil
}

func (s *memStore) ResolveEvent(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.ID == id && ev.Status.IsOpen() {
			ev.Status = StatusResolved
			ev.ResolvedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) AcknowledgeEvent(ctx context.Context, id, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.ID == id && ev.Status == StatusTriggered {
			ev.Status = StatusAcknowledged
			ev.AcknowledgedAt = &at
			ev.AcknowledgedBy = userID
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.ID == id {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if filter.Status != "" && ev.Status != filter.Status {
			continue
		}
		if filter.Host != "" && ev.Host != filter.Host {
			continue
		}
		if filter.RuleID != "" && ev.RuleID != filter.RuleID {
			continue
		}
		out = append(out, *ev)
	}
	return out, nil
}

// detachRule mimics deleting a rule: events keep their row with no rule id.
func (s *memStore) detachRule(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []Rule
	for _, r := range s.rules {
		if r.ID != ruleID {
			kept = append(kept, r)
		}
	}
	s.rules = kept
	for _, ev := range s.events {
		if ev.RuleID == ruleID {
			ev.RuleID = ""
		}
	}
}

func (s *memStore) eventsFor(ruleID, host string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.RuleID == ruleID && ev.Host == host {
			out = append(out, *ev)
		}
	}
	return out
}

func (s *memStore) openCount(ruleID, host string) int {
	n := 0
	for _, ev := range s.eventsFor(ruleID, host) {
		if ev.Status.IsOpen() {
			n++
		}
	}
	return n
}

// fakeSource serves canned samples keyed by metric and host.
type fakeSource struct {
	mu       sync.Mutex
	samples  map[string]*Sample
	errs     map[string]error
	hosts    map[string][]string
	hostsErr error
	calls    int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		samples: make(map[string]*Sample),
		errs:    make(map[string]error),
		hosts:   make(map[string][]string),
	}
}

func (f *fakeSource) set(metric, host string, value float64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.errs, metric+"|"+host)
	f.samples[metric+"|"+host] = &Sample{Value: value, Time: at}
}

func (f *fakeSource) clear(metric, host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.samples, metric+"|"+host)
}

func (f *fakeSource) fail(metric, host string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[metric+"|"+host] = err
}

func (f *fakeSource) KnownHosts(ctx context.Context, measurement string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hostsErr != nil {
		return nil, f.hostsErr
	}
	return f.hosts[measurement], nil
}

func (f *fakeSource) LatestSample(ctx context.Context, metricType, host string) (*Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[metricType+"|"+host]; ok {
		return nil, err
	}
	s, ok := f.samples[metricType+"|"+host]
	if !ok {
		return nil, ErrSampleUnavailable
	}
	cp := *s
	return &cp, nil
}

// recordingNotifier counts deliveries and can be told to fail.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []*Notification
	fail bool
}

func (r *recordingNotifier) Notify(ctx context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("smtp: connection refused")
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *recordingNotifier) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

type recordingPublisher struct {
	mu    sync.Mutex
	kinds []LifecycleKind
}

func (p *recordingPublisher) Publish(ctx context.Context, l Lifecycle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, l.Kind)
	return nil
}

type engineFixture struct {
	engine    *Engine
	store     *memStore
	source    *fakeSource
	email     *recordingNotifier
	sms       *recordingNotifier
	publisher *recordingPublisher
	now       time.Time
}

func newEngineFixture(t *testing.T, rules ...Rule) *engineFixture {
	t.Helper()

	f := &engineFixture{
		store:     &memStore{rules: rules},
		source:    newFakeSource(),
		email:     &recordingNotifier{},
		sms:       &recordingNotifier{},
		publisher: &recordingPublisher{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	dispatcher := NewDispatcher()
	dispatcher.Register(TierEmail, f.email)
	dispatcher.Register(TierSMS, f.sms)

	engine, err := NewEngine(EngineConfig{
		Store:       f.store,
		Source:      f.source,
		Dispatcher:  dispatcher,
		Publisher:   f.publisher,
		Concurrency: 4,
		Now:         func() time.Time { return f.now },
	})
	require.NoError(t, err)
	f.engine = engine
	return f
}

func (f *engineFixture) tick(t *testing.T) *TickReport {
	t.Helper()
	report, err := f.engine.Tick(context.Background())
	require.NoError(t, err)
	f.now = f.now.Add(30 * time.Second)
	return report
}

func cpuRule(breachCount int) Rule {
	r := DefaultRule()
	r.ID = "rule-cpu"
	r.Name = "High CPU"
	r.MetricType = "cpu.usage_percent"
	r.Comparison = OpGreaterThan
	r.Threshold = 80
	r.BreachCount = breachCount
	r.Targets = []Target{{Type: TargetHost, ID: "web-1"}}
	return r
}

func TestEngineTriggersAfterBreachCount(t *testing.T) {
	f := newEngineFixture(t, cpuRule(3))
	f.source.set("cpu.usage_percent", "web-1", 95, f.now)

	f.tick(t)
	f.tick(t)
	assert.Empty(t, f.store.eventsFor("rule-cpu", "web-1"), "no event before breach_count samples")
	assert.Equal(t, 2, f.engine.Streak("rule-cpu", "web-1"))

	report := f.tick(t)
	assert.Equal(t, 1, report.Triggered)

	events := f.store.eventsFor("rule-cpu", "web-1")
	require.Len(t, events, 1)
	assert.Equal(t, StatusTriggered, events[0].Status)
	assert.Equal(t, 95.0, events[0].Value)
	assert.Equal(t, "Cpu Usage Percent on web-1 is above threshold: 95.00 (threshold: 80.00)", events[0].Message)
}

func TestEngineContinuedBreachDoesNotDuplicate(t *testing.T) {
	f := newEngineFixture(t, cpuRule(1))
	f.source.set("cpu.usage_percent", "web-1", 95, f.now)

	for i := 0; i < 5; i++ {
		f.tick(t)
	}

	assert.Len(t, f.store.eventsFor("rule-cpu", "web-1"), 1)
	assert.Equal(t, 5, f.engine.Streak("rule-cpu", "web-1"))
}

func TestEngineSingleClearResolves(t *testing.T) {
	f := newEngineFixture(t, cpuRule(3))
	f.source.set("cpu.usage_percent", "web-1", 95, f.now)
	for i := 0; i < 4; i++ {
		f.tick(t)
	}
	require.Equal(t, 1, f.store.openCount("rule-cpu", "web-1"))

	f.source.set("cpu.usage_percent", "web-1", 10, f.now)
	report := f.tick(t)

	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, 0, f.store.openCount("rule-cpu", "web-1"))
	assert.Equal(t, 0, f.engine.Streak("rule-cpu", "web-1"))

	events := f.store.eventsFor("rule-cpu", "web-1")
	require.Len(t, events, 1)
	assert.Equal(t, StatusResolved, events[0].Status)
	assert.NotNil(t, events[0].ResolvedAt)
}

func TestEngineNewEpisodeCreatesNewEvent(t *testing.T) {
	f := newEngineFixture(t, cpuRule(1))

	f.source.set("cpu.usage_percent", "web-1", 95, f.now)
	f.tick(t)
	f.source.set("cpu.usage_percent", "web-1", 10, f.now)
	f.tick(t)
	f.source.set("cpu.usage_percent", "web-1", 99, f.now)
	f.tick(t)

	events := f.store.eventsFor("rule-cpu", "web-1")
	require.Len(t, events, 2)
	assert.Equal(t, StatusResolved, events[0].Status)
	assert.Equal(t, StatusTriggered, events[1].Status)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestEngineUnknownHoldsCounter(t *testing.T) {
	f := newEngineFixture(t, cpuRule(3))

	f.source.set("cpu.usage_percent", "web-1", 95, f.now)
	f.tick(t)
	f.tick(t)

	f.source.clear("cpu.usage_percent", "web-1")
	report := f.tick(t)
	assert.Equal(t, 1, report.Unknown)
	assert.Equal(t, 2, f.engine.Streak("rule-cpu", "web-1"))
	assert.Empty(t, f.store.eventsFor("rule-cpu", "web-1"))

	f.source.set("cpu.usage_percent", "web-1", 95, f.now)
	f.tick(t)
	assert.Equal(t, 1, f.store.openCount("rule-cpu", "web-1"))
}

func TestEngineUnknownDoesNotResolve(t *testing.T) {
	f := newEngineFixture(t, cpuRule(1))
	f.source.set("cpu.usage_percent", "web-1", 95, f.now)
	f.tick(t)

	f.source.clear("cpu.usage_percent", "web-1")
	f.tick(t)

	assert.Equal(t, 1, f.store.openCount("rule-cpu", "web-1"))
}

func TestEngineBackendFailureSkipsPair(t *testing.T) {
	rule := cpuRule(2)
	rule.Targets = append(rule.Targets, Target{Type: TargetHost, ID: "web-2"})
	f := newEngineFixture(t, rule)

	f.source.set("cpu.usage_percent", "web-1", 95, f.now)
	f.source.set("cpu.usage_percent", "web-2", 95, f.now)
	f.tick(t)

	f.source.fail("cpu.usage_percent", "web-1", errors.New("dial tcp: connection refused"))
	report := f.tick(t)

	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, f.engine.Streak("rule-cpu", "web-1"), "skipped pair keeps its counter")
	assert.Equal(t, 1, f.store.openCount("rule-cpu", "web-2"), "other pairs still evaluate")
	assert.Equal(t, 0, f.store.openCount("rule-cpu", "web-1"))
}

func TestEngineStoreUnavailableSkipsTick(t *testing.T) {
	f := newEngineFixture(t, cpuRule(1))
	f.store.rulesErr = errors.New("database is locked")

	_, err := f.engine.Tick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Zero(t, f.source.calls)
}

func TestEngineSkipsMalformedRule(t *testing.T) {
	bad := cpuRule(1)
	bad.ID = "rule-bad"
	bad.MetricType = "cpu"
	f := newEngineFixture(t, bad, cpuRule(1))
	f.source.set("cpu.usage_percent", "web-1", 95, f.now)

	report := f.tick(t)

	assert.Equal(t, 1, report.MalformedRules)
	assert.Equal(t, 1, report.Rules)
	assert.Equal(t, 1, f.store.openCount("rule-cpu", "web-1"))
}

func TestEngineDisabledRuleLeavesEventOpen(t *testing.T) {
	rule := cpuRule(1)
	f := newEngineFixture(t, rule)
	f.source.set("cpu.usage_percent", "web-1", 95, f.now)
	f.tick(t)

	rule.Enabled = false
	f.store.setRules(rule)
	f.source.set("cpu.usage_percent", "web-1", 10, f.now)
	f.tick(t)

	assert.Equal(t, 1, f.store.openCount("rule-cpu", "web-1"))
}

func TestEngineDeletedRuleDetachesEvent(t *testing.T) {
	f := newEngineFixture(t, cpuRule(1))
	f.source.set("cpu.usage_percent", "web-1", 95, f.now)
	f.tick(t)

	f.store.detachRule("rule-cpu")
	f.tick(t)

	events, err := f.engine.Events(context.Background(), EventFilter{Status: StatusTriggered})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].IsDetached())
}

func TestEngineResolvesAllTargets(t *testing.T) {
	rule := cpuRule(1)
	rule.Targets = []Target{{Type: TargetAll}, {Type: TargetHost, ID: "db-1"}}
	f := newEngineFixture(t, rule)
	f.source.hosts["cpu"] = []string{"web-1", "web-2", "db-1"}
	for _, h := range []string{"web-1", "web-2", "db-1"} {
		f.source.set("cpu.usage_percent", h, 95, f.now)
	}

	report := f.tick(t)

	assert.Equal(t, 3, report.Pairs)
	assert.Equal(t, 3, report.Triggered)
}

func TestEngineDropsCountersForDepartedHosts(t *testing.T) {
	rule := cpuRule(3)
	rule.Targets = []Target{{Type: TargetAll}}
	f := newEngineFixture(t, rule)
	f.source.hosts["cpu"] = []string{"web-1"}
	f.source.set("cpu.usage_percent", "web-1", 95, f.now)
	f.tick(t)
	require.Equal(t, 1, f.engine.Streak("rule-cpu", "web-1"))

	f.source.hosts["cpu"] = nil
	f.tick(t)
	assert.Equal(t, 0, f.engine.Streak("rule-cpu", "web-1"))
}

func TestEngineKeepsCountersWhenHostLookupFails(t *testing.T) {
	rule := cpuRule(3)
	rule.Targets = []Target{{Type: TargetAll}}
	f := newEngineFixture(t, rule)
	f.source.hosts["cpu"] = []string{"web-1"}
	f.source.set("cpu.usage_percent", "web-1", 95, f.now)
	f.tick(t)

	f.source.hostsErr = errors.New("timeout")
	f.tick(t)
	assert.Equal(t, 1, f.engine.Streak("rule-cpu", "web-1"))
}

func TestEngineLivenessRule(t *testing.T) {
	rule := cpuRule(1)
	rule.ID = "rule-up"
	rule.MetricType = "uptime.status"
	rule.Comparison = OpLessThan
	rule.Threshold = 0
	f := newEngineFixture(t, rule)

	f.source.set("uptime.status", "web-1", 1234, f.now.Add(-59*time.Second))
	f.tick(t)
	assert.Equal(t, 0, f.store.openCount("rule-up", "web-1"))

	f.source.set("uptime.status", "web-1", 1234, f.now.Add(-65*time.Second))
	f.tick(t)
	events := f.store.eventsFor("rule-up", "web-1")
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, "web-1 has not reported for 1m5s")
}

func escalatingRule() Rule {
	r := cpuRule(1)
	r.Email = &Escalation{Threshold: 90, BreachCount: 2}
	r.SMS = &Escalation{Threshold: 95, BreachCount: 3}
	r.Notifications = NotificationConfig{
		Email: ChannelConfig{Enabled: true, Recipients: []string{"ops@example.com"}},
		SMS:   ChannelConfig{Enabled: true, Recipients: []string{"+15550100"}},
	}
	return r
}

func TestEngineEscalationTiersFireIndependently(t *testing.T) {
	f := newEngineFixture(t, escalatingRule())

	f.source.set("cpu.usage_percent", "web-1", 92, f.now)
	f.tick(t)
	assert.Equal(t, 1, f.store.openCount("rule-cpu", "web-1"))
	assert.Equal(t, 0, f.email.count(), "email needs two breaches")

	f.tick(t)
	assert.Equal(t, 1, f.email.count())
	assert.Equal(t, 0, f.sms.count(), "92 is below the sms threshold")

	f.source.set("cpu.usage_percent", "web-1", 97, f.now)
	f.tick(t)
	assert.Equal(t, 1, f.sms.count())

	for i := 0; i < 5; i++ {
		f.tick(t)
	}
	assert.Equal(t, 1, f.email.count(), "each tier notifies once per event")
	assert.Equal(t, 1, f.sms.count())

	sent := f.email.sent[0]
	assert.Equal(t, "ALERT [WARNING]: High CPU - web-1", sent.Subject)
	assert.Equal(t, []string{"ops@example.com"}, sent.Recipients)
}

func TestEngineEscalationRetriesNextTickAfterFailure(t *testing.T) {
	f := newEngineFixture(t, escalatingRule())
	f.email.setFail(true)

	f.source.set("cpu.usage_percent", "web-1", 92, f.now)
	f.tick(t)
	report := f.tick(t)
	assert.Equal(t, 1, report.NotifyFailures)
	assert.Equal(t, 0, f.email.count())

	f.email.setFail(false)
	report = f.tick(t)
	assert.Equal(t, 1, report.Notified)
	assert.Equal(t, 1, f.email.count())

	f.tick(t)
	assert.Equal(t, 1, f.email.count())
}

// gatewayNotifier delivers per recipient and rejects the recipients in bad.
type gatewayNotifier struct {
	mu        sync.Mutex
	bad       map[string]bool
	delivered map[string]int
	calls     int
}

func (g *gatewayNotifier) Notify(ctx context.Context, n *Notification) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++

	var failed []RecipientError
	for _, to := range n.Recipients {
		if g.bad[to] {
			failed = append(failed, RecipientError{Recipient: to, Err: errors.New("HTTP 400: invalid number")})
			continue
		}
		g.delivered[to]++
	}
	if len(failed) > 0 {
		return &DeliveryError{Failed: failed}
	}
	return nil
}

func (g *gatewayNotifier) deliveredTo(to string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delivered[to]
}

func (g *gatewayNotifier) fix(to string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.bad, to)
}

func TestEnginePartialDeliveryRetriesOnlyFailedRecipients(t *testing.T) {
	rule := escalatingRule()
	rule.Notifications.SMS.Recipients = []string{"+15550100", "+15550199"}
	f := newEngineFixture(t, rule)

	gw := &gatewayNotifier{bad: map[string]bool{"+15550199": true}, delivered: map[string]int{}}
	f.engine.dispatcher.Register(TierSMS, gw)

	f.source.set("cpu.usage_percent", "web-1", 99, f.now)
	for i := 0; i < 8; i++ {
		f.tick(t)
	}

	assert.Equal(t, 1, gw.deliveredTo("+15550100"), "healthy recipient is messaged once per event")
	assert.Equal(t, 0, gw.deliveredTo("+15550199"))
	assert.Equal(t, 6, gw.calls, "failed recipient is retried once per tick from the third breach")
	open, err := f.store.OpenEvent(context.Background(), "rule-cpu", "web-1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.False(t, f.engine.tracker.Notified(open.ID, TierSMS))

	gw.fix("+15550199")
	report := f.tick(t)
	assert.Equal(t, 1, report.Notified)
	assert.Equal(t, 1, gw.deliveredTo("+15550199"))
	assert.Equal(t, 1, gw.deliveredTo("+15550100"))

	f.tick(t)
	f.tick(t)
	assert.Equal(t, 7, gw.calls, "tier is done once every recipient was reached")
}

func TestEngineEscalationRearmsForNewEpisode(t *testing.T) {
	f := newEngineFixture(t, escalatingRule())

	f.source.set("cpu.usage_percent", "web-1", 92, f.now)
	f.tick(t)
	f.tick(t)
	require.Equal(t, 1, f.email.count())

	f.source.set("cpu.usage_percent", "web-1", 50, f.now)
	f.tick(t)

	f.source.set("cpu.usage_percent", "web-1", 92, f.now)
	f.tick(t)
	f.tick(t)
	assert.Equal(t, 2, f.email.count())
}

func TestEngineEscalationSkipsDisabledChannel(t *testing.T) {
	rule := escalatingRule()
	rule.Notifications.Email.Enabled = false
	f := newEngineFixture(t, rule)

	f.source.set("cpu.usage_percent", "web-1", 99, f.now)
	for i := 0; i < 3; i++ {
		f.tick(t)
	}

	assert.Equal(t, 0, f.email.count())
	assert.Equal(t, 1, f.sms.count())
}

func TestEngineAcknowledge(t *testing.T) {
	f := newEngineFixture(t, cpuRule(1))
	f.source.set("cpu.usage_percent", "web-1", 95, f.now)
	f.tick(t)

	events := f.store.eventsFor("rule-cpu", "web-1")
	require.Len(t, events, 1)
	id := events[0].ID

	ev, err := f.engine.Acknowledge(context.Background(), id, "user-7")
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, ev.Status)
	assert.Equal(t, "user-7", ev.AcknowledgedBy)

	_, err = f.engine.Acknowledge(context.Background(), id, "user-8")
	var notOpen *EventNotOpenError
	require.ErrorAs(t, err, &notOpen)
	assert.Equal(t, StatusAcknowledged, notOpen.Status)

	_, err = f.engine.Acknowledge(context.Background(), "missing", "user-7")
	var notFound *EventNotFoundError
	require.ErrorAs(t, err, &notFound)

	// An acknowledged event still resolves on clear and keeps its acknowledger.
	f.source.set("cpu.usage_percent", "web-1", 10, f.now)
	f.tick(t)
	ev, err = f.engine.Event(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, ev.Status)
	assert.Equal(t, "user-7", ev.AcknowledgedBy)

	assert.Equal(t, []LifecycleKind{LifecycleTriggered, LifecycleAcknowledged, LifecycleResolved}, f.publisher.kinds)
}

func TestEngineManualResolve(t *testing.T) {
	rule := cpuRule(1)
	f := newEngineFixture(t, rule)
	f.source.set("cpu.usage_percent", "web-1", 95, f.now)
	f.tick(t)

	rule.Enabled = false
	f.store.setRules(rule)
	id := f.store.eventsFor("rule-cpu", "web-1")[0].ID

	ev, err := f.engine.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, ev.Status)

	_, err = f.engine.Resolve(context.Background(), id)
	var notOpen *EventNotOpenError
	assert.ErrorAs(t, err, &notOpen)
}

func TestEngineRuleEditKeepsCounters(t *testing.T) {
	rule := cpuRule(3)
	f := newEngineFixture(t, rule)
	f.source.set("cpu.usage_percent", "web-1", 95, f.now)
	f.tick(t)
	f.tick(t)

	rule.Threshold = 85
	f.store.setRules(rule)
	f.tick(t)

	assert.Equal(t, 1, f.store.openCount("rule-cpu", "web-1"))
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(EngineConfig{Source: newFakeSource()})
	assert.Error(t, err)

	_, err = NewEngine(EngineConfig{Store: &memStore{}})
	assert.Error(t, err)

	_, err = NewEngine(EngineConfig{Store: &memStore{}, Source: newFakeSource(), MessageTemplate: "{{.Broken"})
	assert.Error(t, err)
}
