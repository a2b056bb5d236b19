package api

import (
	"testing"
	"time"

	"biblio/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Disabled(t *testing.T) {
	l := newRateLimiter(config.APIRateLimitConfig{})
	for i := 0; i < 100; i++ {
		assert.True(t, l.allow("k"))
	}
	assert.Equal(t, 0, l.size())
}

func TestRateLimiter_PerKeyBurst(t *testing.T) {
	now := time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC)
	l := newRateLimiter(config.APIRateLimitConfig{RPS: 1, Burst: 2})
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.True(t, l.allow("b"), "keys have separate buckets")

	now = now.Add(time.Second)
	assert.True(t, l.allow("a"), "one token refilled")
}

func TestRateLimiter_PrunesIdleKeys(t *testing.T) {
	now := time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC)
	l := newRateLimiter(config.APIRateLimitConfig{RPS: 10})
	l.now = func() time.Time { return now }

	l.allow("10.0.0.1")
	l.allow("10.0.0.2")
	assert.Equal(t, 2, l.size())

	now = now.Add(5 * time.Minute)
	l.allow("10.0.0.2")

	now = now.Add(limiterIdleTTL - time.Minute)
	l.allow("10.0.0.3")
	assert.Equal(t, 2, l.size(), "10.0.0.1 was idle past the ttl")
}
