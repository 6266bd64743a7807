package keypool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthSnapshot_Score(t *testing.T) {
	tests := []struct {
		name string
		h    HealthSnapshot
		want float64
	}{
		{name: "untouched_window_scores_one", h: HealthSnapshot{}, want: 1},
		{name: "all_success", h: HealthSnapshot{SuccessCount: 10}, want: 1},
		{name: "all_failure", h: HealthSnapshot{FailureCount: 10}, want: 0},
		{name: "mixed", h: HealthSnapshot{SuccessCount: 3, FailureCount: 1}, want: 0.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.h.Score(), 1e-9)
		})
	}
}

func TestHealthTracker_RecordSuccess_RollsExpiredWindow(t *testing.T) {
	tracker := NewHealthTracker(10 * time.Second)
	start := time.Now()

	h := HealthSnapshot{WindowStart: start, SuccessCount: 5, FailureCount: 5}
	rolled := tracker.RecordSuccess(h, start.Add(20*time.Second))

	assert.Equal(t, 1, rolled.SuccessCount)
	assert.Equal(t, 0, rolled.FailureCount)
	assert.Equal(t, start.Add(20*time.Second), rolled.WindowStart)
}

func TestHealthTracker_RecordFailure_WithinWindowAccumulates(t *testing.T) {
	tracker := NewHealthTracker(60 * time.Second)
	start := time.Now()

	h := HealthSnapshot{WindowStart: start, SuccessCount: 2}
	next := tracker.RecordFailure(h, start.Add(5*time.Second))

	assert.Equal(t, 2, next.SuccessCount)
	assert.Equal(t, 1, next.FailureCount)
	assert.Equal(t, start, next.WindowStart)
}

func TestHealthTracker_DefaultsWindowWhenNonPositive(t *testing.T) {
	tracker := NewHealthTracker(0)
	assert.Equal(t, 300*time.Second, tracker.window)
}

func TestHealthTracker_InitializesZeroWindowStart(t *testing.T) {
	tracker := NewHealthTracker(time.Minute)
	now := time.Now()

	rolled := tracker.RecordSuccess(HealthSnapshot{}, now)

	assert.Equal(t, now, rolled.WindowStart)
	assert.Equal(t, 1, rolled.SuccessCount)
}
