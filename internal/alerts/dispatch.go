package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Notification is one tier delivery for an open event.
type Notification struct {
	Tier       Tier
	Rule       Rule
	Event      Event
	Recipients []string
	Subject    string
	Message    string
	Value      float64
	Threshold  float64
}

// Notifier delivers notifications over one channel.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n *Notification) error

// Notify calls f(ctx, n).
func (f NotifierFunc) Notify(ctx context.Context, n *Notification) error {
	return f(ctx, n)
}

// RecipientError is a failed delivery to one recipient.
type RecipientError struct {
	Recipient string
	Err       error
}

// DeliveryError reports a partial delivery: the listed recipients failed and
// every other recipient of the notification was reached.
type DeliveryError struct {
	Failed []RecipientError
}

func (e *DeliveryError) Error() string {
	msgs := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		msgs[i] = fmt.Sprintf("%s: %v", f.Recipient, f.Err)
	}
	return fmt.Sprintf("delivery failed for %d recipient(s): %s", len(e.Failed), strings.Join(msgs, "; "))
}

func (e *DeliveryError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f.Err
	}
	return errs
}

// Delivered returns the recipients of sent that did not fail.
func (e *DeliveryError) Delivered(sent []string) []string {
	failed := make(map[string]bool, len(e.Failed))
	for _, f := range e.Failed {
		failed[f.Recipient] = true
	}
	var out []string
	for _, r := range sent {
		if !failed[r] {
			out = append(out, r)
		}
	}
	return out
}

// Dispatcher routes tier notifications to their channel notifiers.
type Dispatcher struct {
	notifiers map[Tier]Notifier
}

// NewDispatcher creates a dispatcher with no channels.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{notifiers: make(map[Tier]Notifier)}
}

// Register sets the notifier for a tier.
func (d *Dispatcher) Register(tier Tier, n Notifier) {
	d.notifiers[tier] = n
}

// Has returns true if the tier has a notifier.
func (d *Dispatcher) Has(tier Tier) bool {
	if d == nil {
		return false
	}
	_, ok := d.notifiers[tier]
	return ok
}

// Dispatch sends n through its tier's notifier. Errors wrap ErrNotificationSend.
func (d *Dispatcher) Dispatch(ctx context.Context, n *Notification) error {
	notifier, ok := d.notifiers[n.Tier]
	if !ok {
		return fmt.Errorf("%w: no %s channel configured", ErrNotificationSend, n.Tier)
	}
	if err := notifier.Notify(ctx, n); err != nil {
		if errors.Is(err, ErrNotificationSend) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrNotificationSend, n.Tier, err)
	}
	return nil
}

// LifecycleKind names an alert event transition.
type LifecycleKind string

const (
	LifecycleTriggered    LifecycleKind = "triggered"
	LifecycleAcknowledged LifecycleKind = "acknowledged"
	LifecycleResolved     LifecycleKind = "resolved"
	LifecycleEscalated    LifecycleKind = "escalated"
)

// Lifecycle describes a transition for downstream subscribers.
type Lifecycle struct {
	Kind     LifecycleKind `json:"kind"`
	Event    Event         `json:"event"`
	RuleName string        `json:"rule_name,omitempty"`
	Severity Severity      `json:"severity,omitempty"`
	Tier     Tier          `json:"tier,omitempty"`
	At       time.Time     `json:"at"`
}

// Publisher fans lifecycle transitions out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, l Lifecycle) error
}

// Publishers publishes to each publisher in turn. A failure does not stop
// delivery to the rest.
type Publishers []Publisher

// Publish sends l to every publisher and returns the joined errors.
func (ps Publishers) Publish(ctx context.Context, l Lifecycle) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
