package alerts

import "sync"

// tierState records delivery progress of one tier for one event.
type tierState struct {
	done      bool
	delivered map[string]bool
}

// Tracker remembers which tiers already notified for each open event, and
// which recipients of a partially delivered tier were already reached.
type Tracker struct {
	mu    sync.Mutex
	fired map[string]map[Tier]*tierState
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{fired: make(map[string]map[Tier]*tierState)}
}

func (t *Tracker) state(eventID string, tier Tier) *tierState {
	tiers, ok := t.fired[eventID]
	if !ok {
		tiers = make(map[Tier]*tierState, len(Tiers))
		t.fired[eventID] = tiers
	}
	st, ok := tiers[tier]
	if !ok {
		st = &tierState{delivered: make(map[string]bool)}
		tiers[tier] = st
	}
	return st
}

// Notified returns true if the tier already fired for the event.
func (t *Tracker) Notified(eventID string, tier Tier) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.fired[eventID][tier]
	return st != nil && st.done
}

// Mark records that the tier finished delivering for the event.
func (t *Tracker) Mark(eventID string, tier Tier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(eventID, tier).done = true
}

// MarkDelivered records recipients reached by a partially failed delivery.
func (t *Tracker) MarkDelivered(eventID string, tier Tier, recipients ...string) {
	if len(recipients) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(eventID, tier)
	for _, r := range recipients {
		st.delivered[r] = true
	}
}

// Pending returns the recipients not yet reached for the tier, in order.
func (t *Tracker) Pending(eventID string, tier Tier, recipients []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.fired[eventID][tier]
	if st == nil {
		return recipients
	}
	if st.done {
		return nil
	}
	pending := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if !st.delivered[r] {
			pending = append(pending, r)
		}
	}
	return pending
}

// Release forgets all markers for an event that is no longer open.
func (t *Tracker) Release(eventID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.fired, eventID)
}

// Retain drops markers for events not in open.
func (t *Tracker) Retain(open map[string]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id := range t.fired {
		if _, ok := open[id]; !ok {
			delete(t.fired, id)
		}
	}
}

// Len returns the number of events with at least one marker.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fired)
}
