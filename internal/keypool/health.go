package keypool

import "time"

// HealthTracker rolls and scores the sliding-window success/failure ratio
// for one credential. It is stateless — callers pass the snapshot they
// already hold under the pool's lock and receive the updated one back.
type HealthTracker struct {
	window time.Duration
}

// NewHealthTracker builds a tracker for the given window length. A
// non-positive window falls back to a 300s default.
func NewHealthTracker(window time.Duration) *HealthTracker {
	if window <= 0 {
		window = 300 * time.Second
	}
	return &HealthTracker{window: window}
}

// roll resets the window if it has expired: if now − windowStart >=
// windowLen, counts reset and windowStart moves to now.
func (t *HealthTracker) roll(h HealthSnapshot, now time.Time) HealthSnapshot {
	if h.WindowStart.IsZero() {
		h.WindowStart = now
		return h
	}
	if now.Sub(h.WindowStart) >= t.window {
		h.SuccessCount = 0
		h.FailureCount = 0
		h.WindowStart = now
	}
	return h
}

// RecordSuccess rolls the window if needed and increments the success
// counter.
func (t *HealthTracker) RecordSuccess(h HealthSnapshot, now time.Time) HealthSnapshot {
	h = t.roll(h, now)
	h.SuccessCount++
	h.LastUpdated = now
	return h
}

// RecordFailure rolls the window if needed and increments the failure
// counter.
func (t *HealthTracker) RecordFailure(h HealthSnapshot, now time.Time) HealthSnapshot {
	h = t.roll(h, now)
	h.FailureCount++
	h.LastUpdated = now
	return h
}
