package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arlojensen/aigateway/internal/config"
)

func TestLimiter_Disabled_AlwaysAllows(t *testing.T) {
	l := New(config.RateLimitConfig{Enabled: false})
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("1.2.3.4:5555"))
	}
}

func TestLimiter_PerIPBucket_ExhaustsIndependentlyPerIP(t *testing.T) {
	l := New(config.RateLimitConfig{Enabled: true, PerIPRPS: 1, PerIPBurst: 2, GlobalRPS: 1000, GlobalBurst: 1000})

	assert.True(t, l.Allow("1.1.1.1:1"))
	assert.True(t, l.Allow("1.1.1.1:1"))
	assert.False(t, l.Allow("1.1.1.1:1"), "burst exhausted for this IP")

	assert.True(t, l.Allow("2.2.2.2:1"), "a different IP has its own bucket")
}

func TestLimiter_GlobalBucket_BoundsAcrossAllIPs(t *testing.T) {
	l := New(config.RateLimitConfig{Enabled: true, PerIPRPS: 1000, PerIPBurst: 1000, GlobalRPS: 1, GlobalBurst: 1})

	assert.True(t, l.Allow("1.1.1.1:1"))
	assert.False(t, l.Allow("2.2.2.2:1"), "global bucket exhausted regardless of source IP")
}

func TestHostOf_StripsPort(t *testing.T) {
	assert.Equal(t, "1.2.3.4", hostOf("1.2.3.4:5555"))
	assert.Equal(t, "not-a-valid-addr", hostOf("not-a-valid-addr"))
}
