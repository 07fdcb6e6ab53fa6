package alerts

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry exports engine counters. A nil *Telemetry records nothing.
type Telemetry struct {
	ticks         *prometheus.CounterVec
	tickDuration  prometheus.Histogram
	outcomes      *prometheus.CounterVec
	pairErrors    *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	openEvents    prometheus.Gauge
	streaks       prometheus.Gauge
}

// NewTelemetry creates and registers the engine collectors.
func NewTelemetry(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostwatch",
			Subsystem: "alerts",
			Name:      "ticks_total",
			Help:      "Evaluation ticks by result.",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hostwatch",
			Subsystem: "alerts",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of evaluation ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostwatch",
			Subsystem: "alerts",
			Name:      "evaluations_total",
			Help:      "Pair evaluations by outcome.",
		}, []string{"outcome"}),
		pairErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostwatch",
			Subsystem: "alerts",
			Name:      "pair_errors_total",
			Help:      "Pairs skipped by error kind.",
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostwatch",
			Subsystem: "alerts",
			Name:      "transitions_total",
			Help:      "Alert event transitions.",
		}, []string{"kind"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostwatch",
			Subsystem: "alerts",
			Name:      "notifications_total",
			Help:      "Tier notifications by result.",
		}, []string{"tier", "result"}),
		openEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hostwatch",
			Subsystem: "alerts",
			Name:      "open_events",
			Help:      "Triggered or acknowledged events seen at the last tick.",
		}),
		streaks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hostwatch",
			Subsystem: "alerts",
			Name:      "breach_streaks",
			Help:      "Pairs with a non-zero breach streak.",
		}),
	}

	if reg != nil {
		reg.MustRegister(t.ticks, t.tickDuration, t.outcomes, t.pairErrors,
			t.transitions, t.notifications, t.openEvents, t.streaks)
	}
	return t
}

func (t *Telemetry) observeTick(report *TickReport, err error) {
	if t == nil {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, ErrStoreUnavailable):
		result = "skipped"
	case err != nil:
		result = "abandoned"
	}
	t.ticks.WithLabelValues(result).Inc()
	if report != nil {
		t.tickDuration.Observe(report.Duration.Seconds())
	}
}

func (t *Telemetry) observeOutcome(o Outcome) {
	if t == nil {
		return
	}
	t.outcomes.WithLabelValues(o.String()).Inc()
}

func (t *Telemetry) observePairError(kind string) {
	if t == nil {
		return
	}
	t.pairErrors.WithLabelValues(kind).Inc()
}

func (t *Telemetry) observeTransition(kind LifecycleKind) {
	if t == nil {
		return
	}
	t.transitions.WithLabelValues(string(kind)).Inc()
}

func (t *Telemetry) observeNotification(tier Tier, err error) {
	if t == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	t.notifications.WithLabelValues(string(tier), result).Inc()
}

func (t *Telemetry) setOpenEvents(n int) {
	if t == nil {
		return
	}
	t.openEvents.Set(float64(n))
}

func (t *Telemetry) setStreaks(n int) {
	if t == nil {
		return
	}
	t.streaks.Set(float64(n))
}
