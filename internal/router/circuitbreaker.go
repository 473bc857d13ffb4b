package router

import (
	"sync"
	"time"
)

// BreakerState is one of closed, open, half-open.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker tracks consecutive failures for one backend. The open to
// half-open transition is lazy: it happens on the first State query after
// resetAfter has elapsed, there is no timer. State is process-local.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold  int
	resetAfter time.Duration

	state    BreakerState
	failures int
	openedAt time.Time

	now func() time.Time // swapped in tests
}

// NewCircuitBreaker creates a closed breaker that opens on the threshold-th
// consecutive failure and admits a half-open probe after resetAfter.
func NewCircuitBreaker(threshold int, resetAfter time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:  threshold,
		resetAfter: resetAfter,
		now:        time.Now,
	}
}

// State returns the current state, promoting open to half-open once
// resetAfter has elapsed.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetAfter {
		cb.state = StateHalfOpen
	}
	return cb.state
}

// RecordSuccess closes the breaker and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
}

// RecordFailure counts one failure. The threshold-th consecutive failure in
// closed state opens the breaker; any failure in half-open state reopens it
// and restarts the reset clock.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.state = StateOpen
			cb.openedAt = cb.now()
		}
	}
}

// Failures returns the current consecutive-failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
