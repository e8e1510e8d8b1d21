// ABOUTME: Tests for the session registry's presence, grace-period, and heartbeat behavior.
// ABOUTME: Covers join/leave events, reconnect-in-place, multi-connection sessions, sweeping.

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/polylog/internal/protocol"
)

// fakeConn implements Conn for tests.
type fakeConn struct {
	id     string
	userID string

	mu        sync.Mutex
	closed    bool
	closeCode int
	sent      []*protocol.Envelope
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (f *fakeConn) ID() string     { return f.id }
func (f *fakeConn) UserID() string { return f.userID }

func (f *fakeConn) Send(env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeConn) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeConn) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testRegistry(t *testing.T, grace time.Duration) *Registry {
	t.Helper()
	r := NewRegistry(Options{
		GracePeriod:       grace,
		HeartbeatInterval: time.Hour, // sweeping driven manually in tests
		HeartbeatMisses:   3,
	}, nil)
	t.Cleanup(r.Close)
	return r
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for presence event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan Event, within time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected presence event %s for %s", ev.Type, ev.UserID)
	case <-time.After(within):
	}
}

func TestRegistry_FirstConnectionEmitsUserJoined(t *testing.T) {
	r := testRegistry(t, time.Minute)
	events, _ := r.Subscribe(context.Background())

	joined := r.Register("user-1", "Ada", "conv-1", newFakeConn("c1", "user-1"))
	assert.True(t, joined)

	ev := waitEvent(t, events)
	assert.Equal(t, EventUserJoined, ev.Type)
	assert.Equal(t, "user-1", ev.UserID)
	assert.Equal(t, "Ada", ev.UserName)
}

func TestRegistry_SecondConnectionSameUserIsNotAJoin(t *testing.T) {
	r := testRegistry(t, time.Minute)
	events, _ := r.Subscribe(context.Background())

	assert.True(t, r.Register("user-1", "Ada", "conv-1", newFakeConn("c1", "user-1")))
	waitEvent(t, events)

	assert.False(t, r.Register("user-1", "Ada", "conv-1", newFakeConn("c2", "user-1")))
	assertNoEvent(t, events, 50*time.Millisecond)

	assert.Len(t, r.Connections("conv-1"), 2)
}

func TestRegistry_LastConnectionClosingEmitsUserLeftAfterGrace(t *testing.T) {
	r := testRegistry(t, 20*time.Millisecond)
	events, _ := r.Subscribe(context.Background())

	r.Register("user-1", "Ada", "conv-1", newFakeConn("c1", "user-1"))
	waitEvent(t, events)

	r.Unregister("c1")

	ev := waitEvent(t, events)
	assert.Equal(t, EventUserLeft, ev.Type)
	assert.Equal(t, "user-1", ev.UserID)
	assert.Empty(t, r.Connections("conv-1"))
}

func TestRegistry_ReconnectWithinGraceEmitsNoChurn(t *testing.T) {
	r := testRegistry(t, 100*time.Millisecond)
	events, _ := r.Subscribe(context.Background())

	r.Register("user-1", "Ada", "conv-1", newFakeConn("c1", "user-1"))
	waitEvent(t, events)

	r.Unregister("c1")
	// Reconnect before the grace period elapses
	joined := r.Register("user-1", "Ada", "conv-1", newFakeConn("c2", "user-1"))
	assert.False(t, joined, "reconnect must update the session in place")

	// Neither user_left nor a second user_joined should appear
	assertNoEvent(t, events, 200*time.Millisecond)
	assert.Len(t, r.Connections("conv-1"), 1)
}

func TestRegistry_UnregisterKeepsSessionWhileOtherConnectionsRemain(t *testing.T) {
	r := testRegistry(t, 20*time.Millisecond)
	events, _ := r.Subscribe(context.Background())

	r.Register("user-1", "Ada", "conv-1", newFakeConn("c1", "user-1"))
	waitEvent(t, events)
	r.Register("user-1", "Ada", "conv-1", newFakeConn("c2", "user-1"))

	r.Unregister("c1")

	assertNoEvent(t, events, 100*time.Millisecond)
	assert.Len(t, r.Connections("conv-1"), 1)
}

func TestRegistry_ConversationsAreIsolated(t *testing.T) {
	r := testRegistry(t, time.Minute)

	r.Register("user-1", "Ada", "conv-1", newFakeConn("c1", "user-1"))
	r.Register("user-2", "Grace", "conv-2", newFakeConn("c2", "user-2"))

	assert.Len(t, r.Connections("conv-1"), 1)
	assert.Len(t, r.Connections("conv-2"), 1)
	assert.Empty(t, r.Connections("conv-3"))
}

func TestRegistry_ActiveUsers(t *testing.T) {
	r := testRegistry(t, time.Minute)

	r.Register("user-1", "Ada", "conv-1", newFakeConn("c1", "user-1"))
	r.Register("user-2", "Grace", "conv-1", newFakeConn("c2", "user-2"))

	users := r.ActiveUsers("conv-1")
	require.Len(t, users, 2)
	for _, sess := range users {
		assert.Equal(t, StatusActive, sess.Status)
	}
}

func TestRegistry_SweepClosesUnresponsiveConnections(t *testing.T) {
	r := NewRegistry(Options{
		GracePeriod:       10 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		HeartbeatMisses:   2,
	}, nil)
	t.Cleanup(r.Close)

	conn := newFakeConn("c1", "user-1")
	r.Register("user-1", "Ada", "conv-1", conn)

	// Let the miss budget elapse without a Touch, then sweep.
	time.Sleep(25 * time.Millisecond)
	r.sweepStale()

	assert.True(t, conn.wasClosed())
	assert.Empty(t, r.Connections("conv-1"))
}

func TestRegistry_TouchKeepsConnectionAlive(t *testing.T) {
	r := NewRegistry(Options{
		GracePeriod:       time.Minute,
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatMisses:   2,
	}, nil)
	t.Cleanup(r.Close)

	conn := newFakeConn("c1", "user-1")
	r.Register("user-1", "Ada", "conv-1", conn)

	for i := 0; i < 4; i++ {
		time.Sleep(10 * time.Millisecond)
		r.Touch("c1")
	}
	r.sweepStale()

	assert.False(t, conn.wasClosed())
	assert.Len(t, r.Connections("conv-1"), 1)
}

func TestRegistry_UnregisterUnknownConnectionIsNoOp(t *testing.T) {
	r := testRegistry(t, time.Minute)
	r.Unregister("ghost")
}
