// ABOUTME: Tests for the dedupe window used to suppress retried sends.
// ABOUTME: Validates TTL expiry, capacity eviction, conversation scoping, and concurrency.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindow_FirstObservationIsNotDuplicate(t *testing.T) {
	w := NewWindow(5*time.Minute, 100)
	defer w.Close()

	assert.False(t, w.Observe("conv-1", "tok-1"))
}

func TestWindow_SecondObservationIsDuplicate(t *testing.T) {
	w := NewWindow(5*time.Minute, 100)
	defer w.Close()

	assert.False(t, w.Observe("conv-1", "tok-1"))
	assert.True(t, w.Observe("conv-1", "tok-1"))
}

func TestWindow_TokensAreConversationScoped(t *testing.T) {
	w := NewWindow(5*time.Minute, 100)
	defer w.Close()

	assert.False(t, w.Observe("conv-1", "tok-1"))
	// Same token in a different conversation is not a duplicate
	assert.False(t, w.Observe("conv-2", "tok-1"))
	assert.True(t, w.Observe("conv-2", "tok-1"))
}

func TestWindow_ForgetAllowsReobservation(t *testing.T) {
	w := NewWindow(5*time.Minute, 100)
	defer w.Close()

	assert.False(t, w.Observe("conv-1", "tok-1"))
	w.Forget("conv-1", "tok-1")

	assert.False(t, w.Contains("conv-1", "tok-1"))
	assert.False(t, w.Observe("conv-1", "tok-1"), "forgotten token observes as new")
	assert.True(t, w.Observe("conv-1", "tok-1"))
}

func TestWindow_ForgetUnknownTokenIsHarmless(t *testing.T) {
	w := NewWindow(5*time.Minute, 100)
	defer w.Close()

	w.Forget("conv-1", "never-seen")
	assert.False(t, w.Observe("conv-1", "never-seen"))
}

func TestWindow_ExpiryAfterTTL(t *testing.T) {
	w := NewWindow(10*time.Millisecond, 100)
	defer w.Close()

	assert.False(t, w.Observe("conv-1", "tok-1"))
	assert.True(t, w.Contains("conv-1", "tok-1"))

	time.Sleep(20 * time.Millisecond)

	assert.False(t, w.Contains("conv-1", "tok-1"))
	assert.False(t, w.Observe("conv-1", "tok-1"))
}

func TestWindow_CapacityEvictsOldest(t *testing.T) {
	w := NewWindow(5*time.Minute, 3)
	defer w.Close()

	w.Observe("conv-1", "tok-1")
	w.Observe("conv-1", "tok-2")
	w.Observe("conv-1", "tok-3")
	// Fourth token evicts tok-1
	w.Observe("conv-1", "tok-4")

	assert.False(t, w.Contains("conv-1", "tok-1"))
	assert.True(t, w.Contains("conv-1", "tok-2"))
	assert.True(t, w.Contains("conv-1", "tok-4"))
}

func TestWindow_Sweep_RemovesExpired(t *testing.T) {
	w := NewWindow(5*time.Millisecond, 100)
	defer w.Close()

	w.Observe("conv-1", "tok-1")
	w.Observe("conv-1", "tok-2")
	time.Sleep(10 * time.Millisecond)

	w.sweep()

	w.mu.Lock()
	remaining := len(w.entries)
	w.mu.Unlock()
	assert.Zero(t, remaining)
}

func TestWindow_ConcurrentObserve_ExactlyOneWinner(t *testing.T) {
	w := NewWindow(5*time.Minute, 1000)
	defer w.Close()

	const goroutines = 50
	var wg sync.WaitGroup
	duplicates := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			duplicates <- w.Observe("conv-1", "contended-token")
		}()
	}
	wg.Wait()
	close(duplicates)

	fresh := 0
	for dup := range duplicates {
		if !dup {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh, "exactly one observer should see the token as new")
}

func TestWindow_ConcurrentDistinctTokens(t *testing.T) {
	w := NewWindow(5*time.Minute, 1000)
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tok := fmt.Sprintf("tok-%d", n)
			assert.False(t, w.Observe("conv-1", tok))
		}(i)
	}
	wg.Wait()
}

func TestWindow_CloseIsIdempotent(t *testing.T) {
	w := NewWindow(time.Minute, 10)
	w.Close()
	w.Close()
}
