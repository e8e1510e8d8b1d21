// ABOUTME: Per-user sliding-window rate limiter for message ingestion.
// ABOUTME: Caps messages per rolling minute; assistant and system traffic is exempt.

package pipeline

import (
	"sync"
	"time"
)

// rateLimiter caps events per key over a rolling window.
type rateLimiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		events: make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// allow records an event for the key if it is under the limit and
// reports whether it was admitted.
func (rl *rateLimiter) allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}

	now := rl.now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	recent := rl.events[key][:0]
	for _, t := range rl.events[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.limit {
		rl.events[key] = recent
		return false
	}

	rl.events[key] = append(recent, now)
	return true
}
