package alerts

import (
	"context"
	"time"
)

// HostLister lists hosts currently reporting a measurement.
type HostLister interface {
	KnownHosts(ctx context.Context, measurement string) ([]string, error)
}

// MetricSource is the read side of the time-series backend.
//
// LatestSample returns (nil, nil) or ErrSampleUnavailable when the host has no
// sample for the metric. Any other error is treated as the backend being
// unreachable.
type MetricSource interface {
	HostLister
	LatestSample(ctx context.Context, metricType, host string) (*Sample, error)
}

// Store is the persistence the engine needs for rules and alert events.
type Store interface {
	// EnabledRules returns every enabled rule with its targets and notification config.
	EnabledRules(ctx context.Context) ([]Rule, error)

	// OpenEvent returns the triggered or acknowledged event for the pair, or nil.
	OpenEvent(ctx context.Context, ruleID, host string) (*Event, error)

	// OpenEventIDs returns the ids of all triggered or acknowledged events.
	OpenEventIDs(ctx context.Context) ([]string, error)

	// CreateOpenEvent inserts ev unless the pair already has an open event.
	// It returns the open event and whether ev was the one inserted.
	CreateOpenEvent(ctx context.Context, ev *Event) (*Event, bool, error)

	// ResolveEvent moves an open event to resolved. It reports false if the
	// event was not open.
	ResolveEvent(ctx context.Context, id string, at time.Time) (bool, error)

	// AcknowledgeEvent moves a triggered event to acknowledged. It reports
	// false if the event was not triggered.
	AcknowledgeEvent(ctx context.Context, id, userID string, at time.Time) (bool, error)

	// GetEvent returns the event or nil if it does not exist.
	GetEvent(ctx context.Context, id string) (*Event, error)

	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)
}
