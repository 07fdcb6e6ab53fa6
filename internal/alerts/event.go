package alerts

import (
	"time"

	"github.com/google/uuid"
)

// Event is one persisted alert occurrence for a (rule, host) pair.
type Event struct {
	ID string `json:"id"`

	// RuleID is empty once the rule has been deleted.
	RuleID string `json:"rule_id,omitempty"`

	Host    string  `json:"host"`
	Status  Status  `json:"status"`
	Value   float64 `json:"value"`
	Message string  `json:"message"`

	TriggeredAt    time.Time  `json:"triggered_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// NewEvent creates a triggered event for the pair.
func NewEvent(rule *Rule, host string, value float64, message string, at time.Time) *Event {
	return &Event{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		Host:        host,
		Status:      StatusTriggered,
		Value:       value,
		Message:     message,
		TriggeredAt: at,
	}
}

// IsOpen returns true if the event is triggered or acknowledged.
func (e *Event) IsOpen() bool {
	return e.Status.IsOpen()
}

// IsDetached returns true if the event's rule no longer exists.
func (e *Event) IsDetached() bool {
	return e.RuleID == ""
}

// EventFilter narrows event listings. Zero values match everything.
type EventFilter struct {
	Status Status
	Host   string
	RuleID string
	Limit  int
}
