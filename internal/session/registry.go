// ABOUTME: Session registry tracking user presence and connection sets per conversation.
// ABOUTME: Emits join/leave events with grace-period reconnect tolerance and heartbeat sweeping.

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/polylog/internal/protocol"
)

const eventBufferSize = 64

// Conn is what the registry needs from a transport connection.
// Implemented by the gateway's WebSocket wrapper; tests use fakes.
type Conn interface {
	ID() string
	UserID() string
	Send(env *protocol.Envelope) error
	Close(code int, reason string) error
}

// EventType discriminates presence events.
type EventType string

// Presence event types.
const (
	EventUserJoined EventType = "user_joined"
	EventUserLeft   EventType = "user_left"
)

// Event is one presence change in a conversation.
type Event struct {
	Type           EventType
	ConversationID string
	UserID         string
	UserName       string
	At             time.Time
}

// Status describes a session's lifecycle.
type Status string

// Session statuses.
const (
	StatusActive       Status = "active"
	StatusDisconnected Status = "disconnected"
)

// Session is a user's logical presence in one conversation,
// independent of any single connection.
type Session struct {
	UserID         string
	UserName       string
	ConversationID string
	Status         Status
	LastSeen       time.Time

	conns      map[string]Conn
	graceTimer *time.Timer
}

type connEntry struct {
	conn           Conn
	conversationID string
	userID         string
	lastBeat       time.Time
}

// Registry tracks sessions and connections for all conversations.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]map[string]*Session // conversationID -> userID -> session
	conns       map[string]*connEntry          // connectionID -> entry
	subscribers map[string]chan Event

	gracePeriod       time.Duration
	heartbeatInterval time.Duration
	heartbeatMisses   int

	logger *slog.Logger
}

// Options configures a Registry.
type Options struct {
	// GracePeriod is how long a session survives after its last
	// connection closes before user_left is emitted.
	GracePeriod time.Duration
	// HeartbeatInterval is the expected ping cadence per connection.
	HeartbeatInterval time.Duration
	// HeartbeatMisses is how many consecutive missed beats force a
	// connection closed.
	HeartbeatMisses int
}

// NewRegistry creates a session registry. Pass nil logger for default.
func NewRegistry(opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 10 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HeartbeatMisses <= 0 {
		opts.HeartbeatMisses = 3
	}
	return &Registry{
		sessions:          make(map[string]map[string]*Session),
		conns:             make(map[string]*connEntry),
		subscribers:       make(map[string]chan Event),
		gracePeriod:       opts.GracePeriod,
		heartbeatInterval: opts.HeartbeatInterval,
		heartbeatMisses:   opts.HeartbeatMisses,
		logger:            logger.With("component", "session"),
	}
}

// Register adds a connection to the user's session in the
// conversation, creating the session on first contact. The returned
// flag is true when this registration established new presence (the
// user was not already in the conversation, not even within the grace
// period) — that is the moment a user_joined event is emitted.
func (r *Registry) Register(userID, userName, conversationID string, conn Conn) bool {
	now := time.Now()

	r.mu.Lock()
	byUser, ok := r.sessions[conversationID]
	if !ok {
		byUser = make(map[string]*Session)
		r.sessions[conversationID] = byUser
	}

	sess, exists := byUser[userID]
	joined := false
	if !exists {
		sess = &Session{
			UserID:         userID,
			UserName:       userName,
			ConversationID: conversationID,
			conns:          make(map[string]Conn),
		}
		byUser[userID] = sess
		joined = true
	}

	// Reconnect inside the grace period: keep the session, cancel the
	// pending user_left.
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
		sess.graceTimer = nil
	}

	sess.Status = StatusActive
	sess.LastSeen = now
	sess.UserName = userName
	sess.conns[conn.ID()] = conn

	r.conns[conn.ID()] = &connEntry{
		conn:           conn,
		conversationID: conversationID,
		userID:         userID,
		lastBeat:       now,
	}
	total := len(sess.conns)
	r.mu.Unlock()

	r.logger.Info("connection registered",
		"conversation_id", conversationID,
		"user_id", userID,
		"connection_id", conn.ID(),
		"connections", total,
		"new_presence", joined)

	if joined {
		r.publish(Event{
			Type:           EventUserJoined,
			ConversationID: conversationID,
			UserID:         userID,
			UserName:       userName,
			At:             now,
		})
	}
	return joined
}

// Unregister removes a connection. When it was the session's last
// connection, the grace-period timer is armed; if no reconnection
// lands before it fires, the session is destroyed and user_left is
// emitted.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	entry, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connectionID)

	sess := r.lookupLocked(entry.conversationID, entry.userID)
	if sess == nil {
		r.mu.Unlock()
		return
	}
	delete(sess.conns, connectionID)
	remaining := len(sess.conns)

	if remaining == 0 {
		sess.Status = StatusDisconnected
		sess.LastSeen = time.Now()
		convID, userID := entry.conversationID, entry.userID
		sess.graceTimer = time.AfterFunc(r.gracePeriod, func() {
			r.expireSession(convID, userID)
		})
	}
	r.mu.Unlock()

	r.logger.Info("connection unregistered",
		"conversation_id", entry.conversationID,
		"user_id", entry.userID,
		"connection_id", connectionID,
		"connections", remaining)
}

// expireSession fires when the grace period elapses without a
// reconnect. Re-checks under the lock: a reconnect may have raced the
// timer.
func (r *Registry) expireSession(conversationID, userID string) {
	r.mu.Lock()
	sess := r.lookupLocked(conversationID, userID)
	if sess == nil || len(sess.conns) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.sessions[conversationID], userID)
	if len(r.sessions[conversationID]) == 0 {
		delete(r.sessions, conversationID)
	}
	userName := sess.UserName
	r.mu.Unlock()

	r.logger.Info("session expired",
		"conversation_id", conversationID,
		"user_id", userID)

	r.publish(Event{
		Type:           EventUserLeft,
		ConversationID: conversationID,
		UserID:         userID,
		UserName:       userName,
		At:             time.Now(),
	})
}

// lookupLocked must be called with mu held.
func (r *Registry) lookupLocked(conversationID, userID string) *Session {
	byUser, ok := r.sessions[conversationID]
	if !ok {
		return nil
	}
	return byUser[userID]
}

// Connections returns the active connection set for a conversation.
// Used by fanout; the slice is a snapshot safe to iterate without the
// registry lock.
func (r *Registry) Connections(conversationID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []Conn
	for _, sess := range r.sessions[conversationID] {
		for _, c := range sess.conns {
			conns = append(conns, c)
		}
	}
	return conns
}

// ActiveUsers returns the users currently present in a conversation.
func (r *Registry) ActiveUsers(conversationID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, sess := range r.sessions[conversationID] {
		copied := *sess
		copied.conns = nil
		copied.graceTimer = nil
		out = append(out, &copied)
	}
	return out
}

// Touch records a heartbeat for a connection and refreshes the
// session's last-seen timestamp.
func (r *Registry) Touch(connectionID string) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connectionID]
	if !ok {
		return
	}
	entry.lastBeat = now
	if sess := r.lookupLocked(entry.conversationID, entry.userID); sess != nil {
		sess.LastSeen = now
	}
}

// Subscribe registers for presence events. The subscription is torn
// down when ctx is cancelled.
func (r *Registry) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, eventBufferSize)

	r.mu.Lock()
	r.subscribers[subID] = ch
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.Unsubscribe(subID)
	}()

	return ch, subID
}

// Unsubscribe removes a presence subscription and closes its channel.
func (r *Registry) Unsubscribe(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.subscribers[subID]
	if !ok {
		return
	}
	delete(r.subscribers, subID)
	close(ch)
}

// publish delivers an event to every subscriber. Non-blocking: a full
// subscriber drops the event rather than stalling the registry.
func (r *Registry) publish(ev Event) {
	r.mu.RLock()
	targets := make([]chan Event, 0, len(r.subscribers))
	for _, ch := range r.subscribers {
		targets = append(targets, ch)
	}
	r.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			r.logger.Debug("dropped presence event for slow subscriber",
				"type", ev.Type,
				"conversation_id", ev.ConversationID)
		}
	}
}

// StartHeartbeatSweeper launches the background sweep that closes
// connections which missed too many heartbeats. Returns when ctx is
// cancelled.
func (r *Registry) StartHeartbeatSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.sweepStale()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// sweepStale force-closes connections whose last heartbeat is older
// than the miss budget. Treated identically to a network-detected
// close: the connection is unregistered and the grace period applies.
func (r *Registry) sweepStale() {
	deadline := time.Now().Add(-time.Duration(r.heartbeatMisses) * r.heartbeatInterval)

	r.mu.RLock()
	var stale []Conn
	for _, entry := range r.conns {
		if entry.lastBeat.Before(deadline) {
			stale = append(stale, entry.conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range stale {
		r.logger.Warn("closing unresponsive connection",
			"connection_id", conn.ID(),
			"user_id", conn.UserID())
		_ = conn.Close(protocol.CloseAbnormal, "heartbeat timeout")
		r.Unregister(conn.ID())
	}
}

// Close tears down all subscriptions. Connections are owned by their
// transports and are not closed here.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, ch := range r.subscribers {
		close(ch)
		delete(r.subscribers, id)
	}
	for _, byUser := range r.sessions {
		for _, sess := range byUser {
			if sess.graceTimer != nil {
				sess.graceTimer.Stop()
			}
		}
	}
}
