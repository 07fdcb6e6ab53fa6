package alerts

import "sync"

// PairKey identifies one (rule, host) evaluation pair.
type PairKey struct {
	RuleID string
	Host   string
}

// Debouncer counts consecutive breaches per pair. Counters live in memory only.
type Debouncer struct {
	mu     sync.Mutex
	counts map[PairKey]int
}

// NewDebouncer creates an empty debouncer.
func NewDebouncer() *Debouncer {
	return &Debouncer{counts: make(map[PairKey]int)}
}

// Observe applies an outcome to the pair's counter and returns the new streak.
// Breach increments, clear resets to zero, unknown leaves the counter alone.
func (d *Debouncer) Observe(key PairKey, outcome Outcome) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch outcome {
	case OutcomeBreach:
		d.counts[key]++
	case OutcomeClear:
		delete(d.counts, key)
	}
	return d.counts[key]
}

// Count returns the current streak for the pair.
func (d *Debouncer) Count(key PairKey) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[key]
}

// Retain drops counters for which keep returns false and returns how many
// were dropped.
func (d *Debouncer) Retain(keep func(PairKey) bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	dropped := 0
	for key := range d.counts {
		if !keep(key) {
			delete(d.counts, key)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of pairs with a non-zero streak.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.counts)
}
