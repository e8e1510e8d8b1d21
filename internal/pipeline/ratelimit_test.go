// ABOUTME: Tests for the rolling-window rate limiter.
// ABOUTME: Covers limit enforcement, window expiry, and per-key isolation.

package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_AllowsUpToLimit(t *testing.T) {
	rl := newRateLimiter(3, time.Minute)

	assert.True(t, rl.allow("user-1"))
	assert.True(t, rl.allow("user-1"))
	assert.True(t, rl.allow("user-1"))
	assert.False(t, rl.allow("user-1"))
}

func TestRateLimiter_KeysAreIsolated(t *testing.T) {
	rl := newRateLimiter(1, time.Minute)

	assert.True(t, rl.allow("user-1"))
	assert.True(t, rl.allow("user-2"))
	assert.False(t, rl.allow("user-1"))
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)

	clock := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	assert.True(t, rl.allow("user-1"))
	clock = clock.Add(30 * time.Second)
	assert.True(t, rl.allow("user-1"))
	assert.False(t, rl.allow("user-1"))

	// First event falls out of the rolling minute
	clock = clock.Add(31 * time.Second)
	assert.True(t, rl.allow("user-1"))
}

func TestRateLimiter_ZeroLimitDisables(t *testing.T) {
	rl := newRateLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		assert.True(t, rl.allow("user-1"))
	}
}
