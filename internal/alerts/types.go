// Package alerts evaluates host metric rules and drives the alert event lifecycle.
package alerts

// Status is the lifecycle state of a persisted alert event.
type Status string

const (
	// StatusTriggered indicates the breach streak reached the rule's breach count.
	StatusTriggered Status = "triggered"
	// StatusAcknowledged indicates a user has taken ownership of the event.
	StatusAcknowledged Status = "acknowledged"
	// StatusResolved indicates a clear sample closed the event.
	StatusResolved Status = "resolved"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsOpen returns true if the event is triggered or acknowledged.
func (s Status) IsOpen() bool {
	return s == StatusTriggered || s == StatusAcknowledged
}

// IsValid returns true if the status is a recognized lifecycle state.
func (s Status) IsValid() bool {
	switch s {
	case StatusTriggered, StatusAcknowledged, StatusResolved:
		return true
	default:
		return false
	}
}

// Outcome is the result of evaluating one sample against one threshold.
type Outcome int

const (
	// OutcomeUnknown means no sample was available; debounce state is held.
	OutcomeUnknown Outcome = iota
	// OutcomeBreach means the comparison held (or the host went silent).
	OutcomeBreach
	// OutcomeClear means the comparison did not hold.
	OutcomeClear
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBreach:
		return "breach"
	case OutcomeClear:
		return "clear"
	default:
		return "unknown"
	}
}

// Operator defines comparison operators for alert thresholds.
type Operator string

const (
	OpGreaterThan    Operator = ">"
	OpLessThan       Operator = "<"
	OpGreaterOrEqual Operator = ">="
	OpLessOrEqual    Operator = "<="
	OpEqual          Operator = "=="
	OpNotEqual       Operator = "!="
)

// String returns the string representation of the operator.
func (o Operator) String() string {
	return string(o)
}

// Compare evaluates the comparison between value and threshold using the operator.
// Returns true if the comparison is satisfied.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGreaterThan:
		return value > threshold
	case OpLessThan:
		return value < threshold
	case OpGreaterOrEqual:
		return value >= threshold
	case OpLessOrEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	default:
		return false
	}
}

// IsValid returns true if the operator is a recognized operator.
func (o Operator) IsValid() bool {
	switch o {
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual, OpEqual, OpNotEqual:
		return true
	default:
		return false
	}
}

// AtLeastAsStrict reports whether an escalation threshold is no easier to
// cross than the base threshold in this operator's direction.
func (o Operator) AtLeastAsStrict(base, escalation float64) bool {
	switch o {
	case OpGreaterThan, OpGreaterOrEqual:
		return escalation >= base
	case OpLessThan, OpLessOrEqual:
		return escalation <= base
	default:
		return escalation == base
	}
}

// Phrase returns the wording used in alert messages.
func (o Operator) Phrase() string {
	switch o {
	case OpGreaterThan:
		return "is above"
	case OpLessThan:
		return "is below"
	case OpGreaterOrEqual:
		return "is at or above"
	case OpLessOrEqual:
		return "is at or below"
	case OpEqual:
		return "equals"
	case OpNotEqual:
		return "differs from"
	default:
		return "crossed"
	}
}

// ParseOperator converts a string to an Operator, returning OpGreaterThan as default.
func ParseOperator(s string) Operator {
	op := Operator(s)
	if op.IsValid() {
		return op
	}
	return OpGreaterThan
}

// Tier is an escalation channel with its own threshold and breach count.
type Tier string

const (
	TierEmail Tier = "email"
	TierSMS   Tier = "sms"
)

// Tiers lists escalation tiers in dispatch order.
var Tiers = []Tier{TierEmail, TierSMS}

func (t Tier) String() string {
	return string(t)
}

// Severity is the operator-facing importance of a rule.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// IsValid returns true if the severity is recognized.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	default:
		return false
	}
}
