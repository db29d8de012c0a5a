package resilience

import (
	"sync"
	"time"
)

// RestartBudget bounds how many times a failed recognizer session may be
// restarted within one question. The delay is deliberately flat, not
// exponential: a misbehaving provider is cut off by the hard cap rather
// than pushed out by growing backoff.
type RestartBudget struct {
	mu          sync.Mutex
	maxRestarts int
	delay       time.Duration
	used        int
}

func NewRestartBudget(maxRestarts int, delay time.Duration) *RestartBudget {
	if maxRestarts <= 0 {
		maxRestarts = 10
	}
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	return &RestartBudget{maxRestarts: maxRestarts, delay: delay}
}

// Next consumes one restart attempt. It returns the delay to wait before
// restarting and true, or zero and false once the budget is exhausted.
func (b *RestartBudget) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.maxRestarts {
		return 0, false
	}
	b.used++
	return b.delay, true
}

// Used returns how many restarts have been consumed.
func (b *RestartBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Exhausted reports whether the budget has run out.
func (b *RestartBudget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used >= b.maxRestarts
}

// Reset restores the full budget. Called when the active question changes.
func (b *RestartBudget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used = 0
}
