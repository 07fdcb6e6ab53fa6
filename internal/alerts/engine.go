package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/willibrandon/hostwatch/internal/logger"
)

// DefaultConcurrency bounds concurrent pair evaluations within a tick.
const DefaultConcurrency = 8

// EngineConfig wires an Engine to its collaborators.
type EngineConfig struct {
	Store      Store
	Source     MetricSource
	Dispatcher *Dispatcher
	Publisher  Publisher
	Telemetry  *Telemetry

	// Concurrency bounds in-flight pair evaluations (default: 8).
	Concurrency int

	// MessageTemplate overrides DefaultMessageTemplate.
	MessageTemplate string

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine evaluates enabled rules against the metric source and drives the
// alert event lifecycle. Breach counters and tier markers are owned by the
// engine and survive rule reloads but not restarts.
type Engine struct {
	store      Store
	source     MetricSource
	dispatcher *Dispatcher
	publisher  Publisher
	telemetry  *Telemetry
	formatter  *Formatter

	debouncer *Debouncer
	tracker   *Tracker

	concurrency int
	now         func() time.Time

	mu      sync.Mutex
	flagged map[string]string
}

// NewEngine creates a new alert engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("alerts: store is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("alerts: metric source is required")
	}

	formatter, err := NewFormatter(cfg.MessageTemplate)
	if err != nil {
		return nil, err
	}

	if cfg.Dispatcher == nil {
		cfg.Dispatcher = NewDispatcher()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		store:       cfg.Store,
		source:      cfg.Source,
		dispatcher:  cfg.Dispatcher,
		publisher:   cfg.Publisher,
		telemetry:   cfg.Telemetry,
		formatter:   formatter,
		debouncer:   NewDebouncer(),
		tracker:     NewTracker(),
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
		flagged:     make(map[string]string),
	}, nil
}

// TickReport summarizes one evaluation tick.
type TickReport struct {
	Started        time.Time     `json:"started"`
	Duration       time.Duration `json:"duration"`
	Rules          int           `json:"rules"`
	MalformedRules int           `json:"malformed_rules"`
	Pairs          int           `json:"pairs"`
	Breaches       int           `json:"breaches"`
	Clears         int           `json:"clears"`
	Unknown        int           `json:"unknown"`
	Skipped        int           `json:"skipped"`
	Abandoned      int           `json:"abandoned"`
	Triggered      int           `json:"triggered"`
	Resolved       int           `json:"resolved"`
	Notified       int           `json:"notified"`
	NotifyFailures int           `json:"notify_failures"`
	StoreErrors    int           `json:"store_errors"`
}

type pair struct {
	rule *Rule
	host string
}

func (p pair) key() PairKey {
	return PairKey{RuleID: p.rule.ID, Host: p.host}
}

type pairResult struct {
	outcome        Outcome
	evaluated      bool
	skipped        bool
	abandoned      bool
	triggered      bool
	resolved       bool
	notified       int
	notifyFailures int
	storeErrors    int
}

// Tick runs one evaluation pass over every enabled rule.
//
// If rules cannot be loaded the tick is skipped and the returned error wraps
// ErrStoreUnavailable. Per-pair failures never fail the tick.
func (e *Engine) Tick(ctx context.Context) (*TickReport, error) {
	began := time.Now()
	report := &TickReport{Started: e.now()}

	rules, err := e.store.EnabledRules(ctx)
	if err != nil {
		err = fmt.Errorf("%w: load rules: %w", ErrStoreUnavailable, err)
		report.Duration = time.Since(began)
		e.telemetry.observeTick(report, err)
		return report, err
	}

	e.syncMarkers(ctx)

	resolver := NewResolver(e.source)
	var pairs []pair
	scheduled := make(map[PairKey]struct{})
	unresolved := make(map[string]bool)

	for i := range rules {
		rule := &rules[i]
		if err := rule.Validate(); err != nil {
			report.MalformedRules++
			logger.Warn("skipping malformed alert rule",
				"rule", rule.ID,
				"name", rule.Name,
				"error", err)
			continue
		}
		e.flagEscalation(rule)

		hosts, err := resolver.Resolve(ctx, rule)
		if err != nil {
			unresolved[rule.ID] = true
			e.telemetry.observePairError("resolve")
			logger.Warn("failed to resolve rule targets",
				"rule", rule.ID,
				"metric", rule.MetricType,
				"error", err)
		}
		for _, host := range hosts {
			p := pair{rule: rule, host: host}
			pairs = append(pairs, p)
			scheduled[p.key()] = struct{}{}
		}
	}
	report.Rules = len(rules) - report.MalformedRules
	report.Pairs = len(pairs)

	results := make([]pairResult, len(pairs))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, p := range pairs {
		g.Go(func() error {
			results[i] = e.evaluatePair(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	// Counters for pairs that left the target set are dropped. Rules whose
	// host lookup failed keep theirs until the backend answers again.
	e.debouncer.Retain(func(k PairKey) bool {
		if _, ok := scheduled[k]; ok {
			return true
		}
		return unresolved[k.RuleID]
	})

	for _, res := range results {
		report.add(res)
	}
	report.Duration = time.Since(began)

	if ctx.Err() != nil {
		err = fmt.Errorf("tick abandoned: %w", ctx.Err())
	}

	e.telemetry.setStreaks(e.debouncer.Len())
	e.telemetry.observeTick(report, err)

	logger.Debug("alert tick complete",
		"rules", report.Rules,
		"pairs", report.Pairs,
		"breaches", report.Breaches,
		"triggered", report.Triggered,
		"resolved", report.Resolved,
		"skipped", report.Skipped,
		"duration", report.Duration)

	return report, err
}

func (r *TickReport) add(res pairResult) {
	switch {
	case res.skipped:
		r.Skipped++
	case res.abandoned:
		r.Abandoned++
	case res.evaluated:
		switch res.outcome {
		case OutcomeBreach:
			r.Breaches++
		case OutcomeClear:
			r.Clears++
		default:
			r.Unknown++
		}
	}
	if res.triggered {
		r.Triggered++
	}
	if res.resolved {
		r.Resolved++
	}
	r.Notified += res.notified
	r.NotifyFailures += res.notifyFailures
	r.StoreErrors += res.storeErrors
}

// evaluatePair fetches, evaluates, debounces and applies the state transition
// for one pair. The counter is only touched once the sample is in hand.
func (e *Engine) evaluatePair(ctx context.Context, p pair) pairResult {
	var res pairResult
	lg := logger.With("rule", p.rule.ID, "host", p.host)

	sample, err := e.source.LatestSample(ctx, p.rule.MetricType, p.host)
	if errors.Is(err, ErrSampleUnavailable) {
		sample, err = nil, nil
	}
	if ctx.Err() != nil {
		res.abandoned = true
		return res
	}
	if err != nil {
		res.skipped = true
		e.telemetry.observePairError("backend")
		lg.Warn("metrics backend unreachable, skipping pair",
			"metric", p.rule.MetricType,
			"error", err)
		return res
	}

	now := e.now()
	outcome := p.rule.Evaluate(p.rule.Threshold, sample, now)
	streak := e.debouncer.Observe(p.key(), outcome)
	res.outcome = outcome
	res.evaluated = true
	e.telemetry.observeOutcome(outcome)

	switch outcome {
	case OutcomeUnknown:
		lg.Debug("no sample for pair", "metric", p.rule.MetricType)
	case OutcomeClear:
		e.resolveOpen(ctx, lg, p, now, &res)
	case OutcomeBreach:
		e.handleBreach(ctx, lg, p, sample, streak, now, &res)
	}

	return res
}

func (e *Engine) handleBreach(ctx context.Context, lg *slog.Logger, p pair, sample *Sample, streak int, now time.Time, res *pairResult) {
	ev, err := e.store.OpenEvent(ctx, p.rule.ID, p.host)
	if err != nil {
		res.storeErrors++
		lg.Error("failed to look up open alert event", "error", err)
		return
	}

	if ev == nil && streak >= p.rule.BreachCount {
		data := e.formatter.Data(p.rule, p.host, p.rule.Threshold, sample, now)
		candidate := NewEvent(p.rule, p.host, sample.Value, e.formatter.Message(p.rule, data), now)

		open, created, err := e.store.CreateOpenEvent(ctx, candidate)
		if err != nil {
			res.storeErrors++
			lg.Error("failed to record alert event", "error", err)
			return
		}
		ev = open
		if created {
			res.triggered = true
			lg.Info("alert triggered",
				"event", ev.ID,
				"value", sample.Value,
				"threshold", p.rule.Threshold,
				"streak", streak)
			e.publish(ctx, LifecycleTriggered, p.rule, ev, "")
		}
	}

	if ev == nil {
		lg.Debug("breach below breach count", "streak", streak, "breach_count", p.rule.BreachCount)
		return
	}

	e.escalate(ctx, lg, p, ev, sample, streak, now, res)
}

// escalate fires each configured tier whose own criterion holds and which has
// not yet notified for this event. A failed send leaves the tier unmarked so
// the next tick retries it, and only recipients that were not reached are
// sent to again.
func (e *Engine) escalate(ctx context.Context, lg *slog.Logger, p pair, ev *Event, sample *Sample, streak int, now time.Time, res *pairResult) {
	for _, tier := range Tiers {
		esc := p.rule.Escalation(tier)
		if esc == nil {
			continue
		}
		channel := p.rule.Notifications.Channel(tier)
		if !channel.Ready() {
			continue
		}
		if e.tracker.Notified(ev.ID, tier) {
			continue
		}
		if streak < esc.BreachCount || p.rule.Evaluate(esc.Threshold, sample, now) != OutcomeBreach {
			continue
		}
		pending := e.tracker.Pending(ev.ID, tier, channel.Recipients)
		if len(pending) == 0 {
			e.tracker.Mark(ev.ID, tier)
			continue
		}

		data := e.formatter.Data(p.rule, p.host, esc.Threshold, sample, now)
		data.Tier = string(tier)
		n := &Notification{
			Tier:       tier,
			Rule:       *p.rule,
			Event:      *ev,
			Recipients: pending,
			Subject:    e.formatter.Subject(data),
			Message:    e.formatter.Message(p.rule, data),
			Value:      sample.Value,
			Threshold:  esc.Threshold,
		}

		err := e.dispatcher.Dispatch(ctx, n)
		e.telemetry.observeNotification(tier, err)
		if err != nil {
			var partial *DeliveryError
			if errors.As(err, &partial) {
				e.tracker.MarkDelivered(ev.ID, tier, partial.Delivered(pending)...)
			}
			res.notifyFailures++
			lg.Warn("escalation failed, retrying next tick",
				"event", ev.ID,
				"tier", tier,
				"error", err)
			continue
		}

		e.tracker.Mark(ev.ID, tier)
		res.notified++
		lg.Info("escalation sent",
			"event", ev.ID,
			"tier", tier,
			"recipients", len(pending))
		e.publish(ctx, LifecycleEscalated, p.rule, ev, tier)
	}
}

func (e *Engine) resolveOpen(ctx context.Context, lg *slog.Logger, p pair, now time.Time, res *pairResult) {
	ev, err := e.store.OpenEvent(ctx, p.rule.ID, p.host)
	if err != nil {
		res.storeErrors++
		lg.Error("failed to look up open alert event", "error", err)
		return
	}
	if ev == nil {
		return
	}

	ok, err := e.store.ResolveEvent(ctx, ev.ID, now)
	if err != nil {
		res.storeErrors++
		lg.Error("failed to resolve alert event", "event", ev.ID, "error", err)
		return
	}
	e.tracker.Release(ev.ID)
	if !ok {
		return
	}

	res.resolved = true
	ev.Status = StatusResolved
	ev.ResolvedAt = &now
	lg.Info("alert resolved", "event", ev.ID)
	e.publish(ctx, LifecycleResolved, p.rule, ev, "")
}

// syncMarkers drops tier markers for events that were closed outside the engine.
func (e *Engine) syncMarkers(ctx context.Context) {
	ids, err := e.store.OpenEventIDs(ctx)
	if err != nil {
		logger.Debug("failed to list open alert events", "error", err)
		return
	}
	open := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		open[id] = struct{}{}
	}
	e.tracker.Retain(open)
	e.telemetry.setOpenEvents(len(ids))
}

// flagEscalation warns once per distinct set of escalation issues for a rule.
func (e *Engine) flagEscalation(rule *Rule) {
	sig := strings.Join(rule.EscalationIssues(), "; ")

	e.mu.Lock()
	defer e.mu.Unlock()

	if sig == "" {
		delete(e.flagged, rule.ID)
		return
	}
	if e.flagged[rule.ID] == sig {
		return
	}
	e.flagged[rule.ID] = sig
	logger.Warn("alert rule escalation is less strict than its base criterion",
		"rule", rule.ID,
		"name", rule.Name,
		"issues", sig)
}

func (e *Engine) publish(ctx context.Context, kind LifecycleKind, rule *Rule, ev *Event, tier Tier) {
	e.telemetry.observeTransition(kind)
	if e.publisher == nil {
		return
	}

	l := Lifecycle{
		Kind:  kind,
		Event: *ev,
		Tier:  tier,
		At:    e.now(),
	}
	if rule != nil {
		l.RuleName = rule.Name
		l.Severity = rule.Severity
	}
	if err := e.publisher.Publish(ctx, l); err != nil {
		logger.Warn("failed to publish alert lifecycle",
			"kind", kind,
			"event", ev.ID,
			"error", err)
	}
}

// Acknowledge moves a triggered event to acknowledged on behalf of userID.
func (e *Engine) Acknowledge(ctx context.Context, eventID, userID string) (*Event, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	ok, err := e.store.AcknowledgeEvent(ctx, eventID, userID, e.now())
	if err != nil {
		return nil, fmt.Errorf("acknowledge alert event %s: %w", eventID, err)
	}

	ev, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load alert event %s: %w", eventID, err)
	}
	if ev == nil {
		return nil, &EventNotFoundError{ID: eventID}
	}
	if !ok {
		return nil, &EventNotOpenError{ID: eventID, Status: ev.Status, Action: "acknowledge"}
	}

	logger.Info("alert acknowledged", "event", ev.ID, "user", userID)
	e.publish(ctx, LifecycleAcknowledged, nil, ev, "")
	return ev, nil
}

// Resolve closes an open event by hand, for example one whose rule was
// disabled or deleted and will never be re-evaluated.
func (e *Engine) Resolve(ctx context.Context, eventID string) (*Event, error) {
	ok, err := e.store.ResolveEvent(ctx, eventID, e.now())
	if err != nil {
		return nil, fmt.Errorf("resolve alert event %s: %w", eventID, err)
	}

	ev, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load alert event %s: %w", eventID, err)
	}
	if ev == nil {
		return nil, &EventNotFoundError{ID: eventID}
	}
	if !ok {
		return nil, &EventNotOpenError{ID: eventID, Status: ev.Status, Action: "resolve"}
	}

	e.tracker.Release(ev.ID)
	logger.Info("alert resolved manually", "event", ev.ID)
	e.publish(ctx, LifecycleResolved, nil, ev, "")
	return ev, nil
}

// Event returns one alert event.
func (e *Engine) Event(ctx context.Context, eventID string) (*Event, error) {
	ev, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, &EventNotFoundError{ID: eventID}
	}
	return ev, nil
}

// Events lists alert events matching the filter, newest first.
func (e *Engine) Events(ctx context.Context, filter EventFilter) ([]Event, error) {
	return e.store.ListEvents(ctx, filter)
}

// Streak returns the current breach streak for a pair.
func (e *Engine) Streak(ruleID, host string) int {
	return e.debouncer.Count(PairKey{RuleID: ruleID, Host: host})
}

// Streaks returns the number of pairs with a non-zero breach streak.
func (e *Engine) Streaks() int {
	return e.debouncer.Len()
}
