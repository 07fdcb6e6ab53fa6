package alerts

import (
	"errors"
	"fmt"
)

var (
	// ErrSampleUnavailable is returned by a metric source when no sample exists.
	// The engine treats it as an unknown outcome.
	ErrSampleUnavailable = errors.New("sample unavailable")

	// ErrBackendUnreachable marks metric backend failures. The affected pair is
	// skipped for the tick and its counter is left untouched.
	ErrBackendUnreachable = errors.New("metrics backend unreachable")

	// ErrMalformedRule marks rules that cannot be evaluated.
	ErrMalformedRule = errors.New("malformed rule")

	// ErrNotificationSend marks a failed channel delivery.
	ErrNotificationSend = errors.New("notification send failed")

	// ErrStoreUnavailable marks a tick skipped because rules could not be loaded.
	ErrStoreUnavailable = errors.New("persistence unavailable")

	// ErrSchedulerRunning is returned by Start when the scheduler already runs.
	ErrSchedulerRunning = errors.New("scheduler already running")
)

// EventNotFoundError is returned when an alert event does not exist.
type EventNotFoundError struct {
	ID string
}

func (e *EventNotFoundError) Error() string {
	return fmt.Sprintf("alert event %q not found", e.ID)
}

// EventNotOpenError is returned when a lifecycle action does not apply to the
// event's current status.
type EventNotOpenError struct {
	ID     string
	Status Status
	Action string
}

func (e *EventNotOpenError) Error() string {
	return fmt.Sprintf("cannot %s alert event %q in status %s", e.Action, e.ID, e.Status)
}
