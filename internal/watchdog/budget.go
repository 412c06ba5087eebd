package watchdog

import (
	"sync"
	"time"
)

// RestartBudget limits restarts to N within a sliding window; exhaustion
// quarantines the service until an operator clears it.
type RestartBudget struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	restarts    []time.Time
	quarantined bool
}

// NewRestartBudget creates a budget. Defaults: 5 restarts per 300s.
func NewRestartBudget(limit int, window time.Duration) *RestartBudget {
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = 300 * time.Second
	}
	return &RestartBudget{limit: limit, window: window}
}

// Allow consumes one restart slot. Returns false, and quarantines, when the
// window is already full.
func (b *RestartBudget) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.quarantined {
		return false
	}

	cutoff := time.Now().Add(-b.window)
	kept := b.restarts[:0]
	for _, t := range b.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.restarts = kept

	if len(b.restarts) >= b.limit {
		b.quarantined = true
		return false
	}
	b.restarts = append(b.restarts, time.Now())
	return true
}

// Quarantined reports whether the budget was exhausted.
func (b *RestartBudget) Quarantined() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quarantined
}

// Clear lifts a quarantine and resets the window.
func (b *RestartBudget) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quarantined = false
	b.restarts = nil
}

// Used returns how many slots the current window holds.
func (b *RestartBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-b.window)
	n := 0
	for _, t := range b.restarts {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
