// ABOUTME: Trailing-window duplicate detector for idempotency tokens.
// ABOUTME: TTL-based and size-bounded, with O(1) oldest-entry eviction.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt time.Time
	elem   *list.Element
}

// Window remembers tokens for a trailing period. Observing a token
// that is already inside the window reports a duplicate. Entries
// expire after the TTL; when the window is at capacity the oldest
// entry is evicted first.
type Window struct {
	mu      sync.Mutex
	entries map[string]*entry
	byAge   *list.List // token keys, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewWindow creates a dedupe window with the given TTL and capacity.
// A background goroutine sweeps expired entries periodically.
func NewWindow(ttl time.Duration, maxSize int) *Window {
	w := &Window{
		entries: make(map[string]*entry),
		byAge:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go w.sweepLoop()
	return w
}

// key scopes a token to its conversation so the same client token can
// legitimately appear in two different conversations.
func key(conversationID, token string) string {
	return conversationID + "\x00" + token
}

// Observe records the token and reports whether it was already inside
// the window. Check and record are one atomic step, so two concurrent
// retries of the same send cannot both pass.
func (w *Window) Observe(conversationID, token string) bool {
	k := key(conversationID, token)

	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.entries[k]; ok && time.Since(e.seenAt) < w.ttl {
		return true
	}
	w.record(k)
	return false
}

// Forget removes the token from the window so a later Observe of the
// same token passes again. Used when the observed send ultimately
// failed and a same-token retry must be allowed to commit.
func (w *Window) Forget(conversationID, token string) {
	k := key(conversationID, token)

	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.entries[k]; ok {
		w.byAge.Remove(e.elem)
		delete(w.entries, k)
	}
}

// Contains reports whether the token is inside the window without
// recording it.
func (w *Window) Contains(conversationID, token string) bool {
	k := key(conversationID, token)

	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[k]
	return ok && time.Since(e.seenAt) < w.ttl
}

// record must be called with mu held.
func (w *Window) record(k string) {
	now := time.Now()

	if e, ok := w.entries[k]; ok {
		// Expired entry being re-observed: refresh in place.
		e.seenAt = now
		w.byAge.MoveToBack(e.elem)
		return
	}

	if len(w.entries) >= w.maxSize {
		if front := w.byAge.Front(); front != nil {
			oldest, _ := front.Value.(string)
			w.byAge.Remove(front)
			delete(w.entries, oldest)
		}
	}

	w.entries[k] = &entry{
		seenAt: now,
		elem:   w.byAge.PushBack(k),
	}
}

func (w *Window) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.done:
			return
		}
	}
}

// sweep drops every expired entry. Entries at the front of the age
// list are the oldest, so sweeping can stop at the first live one.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	for front := w.byAge.Front(); front != nil; front = w.byAge.Front() {
		k, _ := front.Value.(string)
		e := w.entries[k]
		if e == nil {
			w.byAge.Remove(front)
			continue
		}
		if now.Sub(e.seenAt) <= w.ttl {
			break
		}
		w.byAge.Remove(front)
		delete(w.entries, k)
	}
}

// Close stops the background sweeper. Safe to call more than once.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
