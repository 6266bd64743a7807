package keypool

import "time"

// CircuitBreaker implements the three-state machine. Like HealthTracker it
// is stateless: callers hold the mutable CircuitSnapshot under the pool's
// lock and pass it through each call.
//
// Evaluation is lazy: there is no background sweeper. Evaluate must be
// called before a candidate is considered eligible so that an overdue
// OPEN→HALF_OPEN transition happens at decision time.
type CircuitBreaker struct {
	failureThreshold int
	recoveryTime     time.Duration
}

// NewCircuitBreaker builds a breaker for the given threshold/recovery
// parameters.
func NewCircuitBreaker(failureThreshold int, recoveryTime time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if recoveryTime <= 0 {
		recoveryTime = 60 * time.Second
	}
	return &CircuitBreaker{failureThreshold: failureThreshold, recoveryTime: recoveryTime}
}

// Evaluate applies the lazy OPEN→HALF_OPEN transition and returns the
// (possibly updated) snapshot. Call this before checking eligibility.
func (b *CircuitBreaker) Evaluate(c CircuitSnapshot, now time.Time) CircuitSnapshot {
	if c.State == CircuitOpen && !c.NextAttempt.IsZero() && !now.Before(c.NextAttempt) {
		c.State = CircuitHalfOpen
		c.NextAttempt = time.Time{}
	}
	return c
}

// RecordSuccess applies a success observation: HALF_OPEN → CLOSED resets
// all failure counters and timers; CLOSED stays CLOSED and does NOT reset
// ConsecutiveFailures on an isolated success between failures.
func (b *CircuitBreaker) RecordSuccess(c CircuitSnapshot, now time.Time) CircuitSnapshot {
	if c.State == CircuitHalfOpen {
		return CircuitSnapshot{State: CircuitClosed}
	}
	return c
}

// RecordFailure applies a failure observation and advances the breaker per
// the CLOSED→OPEN / HALF_OPEN→OPEN rules: open on reaching the consecutive
// failure threshold, or immediately on a rate-limit classified failure
// regardless of count.
func (b *CircuitBreaker) RecordFailure(c CircuitSnapshot, now time.Time, isRateLimit bool) CircuitSnapshot {
	c.ConsecutiveFailures++
	c.LastFailure = now

	// A failure observed in HALF_OPEN always reopens the circuit, regardless
	// of ConsecutiveFailures: the circuit may have opened immediately on a
	// rate-limit classified failure while still below threshold, and the
	// recovery probe failing is reason enough to reopen on its own.
	if c.State == CircuitHalfOpen || c.ConsecutiveFailures >= b.failureThreshold || isRateLimit {
		c.State = CircuitOpen
		c.OpenedAt = now
		c.NextAttempt = now.Add(b.recoveryTime)
	}
	return c
}
