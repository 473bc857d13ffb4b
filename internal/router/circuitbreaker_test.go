package router

import (
	"testing"
	"time"
)

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(5, 5*time.Minute)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		if cb.State() != StateClosed {
			t.Fatalf("state after %d failures = %v, want closed", i+1, cb.State())
		}
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("state after 5th failure = %v, want open", cb.State())
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Errorf("non-consecutive failures opened the breaker")
	}
	if cb.Failures() != 2 {
		t.Errorf("failures = %d, want 2", cb.Failures())
	}
}

func TestBreakerHalfOpenAfterReset(t *testing.T) {
	cb := NewCircuitBreaker(1, 5*time.Minute)
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	// Fast-forward past the reset window.
	now := time.Now()
	cb.now = func() time.Time { return now.Add(6 * time.Minute) }

	if cb.State() != StateHalfOpen {
		t.Errorf("state after reset window = %v, want half-open", cb.State())
	}
}

func TestBreakerHalfOpenToClosed(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.RecordFailure()
	now := time.Now()
	cb.now = func() time.Time { return now.Add(2 * time.Minute) }
	if cb.State() != StateHalfOpen {
		t.Fatal("expected half-open")
	}

	cb.RecordSuccess()
	if cb.State() != StateClosed || cb.Failures() != 0 {
		t.Errorf("state = %v failures = %d, want closed/0", cb.State(), cb.Failures())
	}
}

func TestBreakerHalfOpenToOpenRestartsClock(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.RecordFailure()

	base := time.Now()
	cb.now = func() time.Time { return base.Add(2 * time.Minute) }
	if cb.State() != StateHalfOpen {
		t.Fatal("expected half-open")
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatal("half-open failure should reopen")
	}

	// Just short of the new window: still open.
	cb.now = func() time.Time { return base.Add(2*time.Minute + 30*time.Second) }
	if cb.State() != StateOpen {
		t.Error("reset clock was not restarted")
	}
	cb.now = func() time.Time { return base.Add(4 * time.Minute) }
	if cb.State() != StateHalfOpen {
		t.Error("breaker should be half-open after the restarted window")
	}
}
