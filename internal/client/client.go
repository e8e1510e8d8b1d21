// ABOUTME: Reconnecting WebSocket client with send tracking and backoff.
// ABOUTME: Terminal close codes stop the reconnect loop; everything else retries.

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/polylog/internal/dedupe"
	"github.com/2389/polylog/internal/protocol"
	"github.com/2389/polylog/internal/store"
)

// State is the manager's connection lifecycle state.
type State string

// Lifecycle states.
const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
	StateErrored    State = "errored"
)

// Manager errors.
var (
	ErrNotOpen        = errors.New("connection is not open")
	ErrAlreadyStarted = errors.New("manager already started")
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultPingInterval   = 30 * time.Second
	// Long enough to absorb duplicate delivery during a rapid
	// reconnect, short enough that a genuine later reconnect still
	// surfaces its notice.
	noticeDedupeTTL = 2 * time.Second
)

// Pending is a send awaiting its server ack.
type Pending struct {
	Token   string
	Content string
	SentAt  time.Time
}

// Options configures a Manager.
type Options struct {
	// URL is the gateway WebSocket endpoint, e.g. "ws://host:8080/ws".
	URL            string
	ConversationID string
	Token          string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PingInterval   time.Duration

	// MaxRetries caps consecutive failed connection attempts before the
	// manager gives up with StateErrored. Zero means retry forever.
	MaxRetries int

	// OnMessage receives every server frame except acks and repeated
	// connection notices. Called from the read loop; must not block.
	OnMessage func(env *protocol.Envelope)
	// OnStateChange is invoked on every lifecycle transition.
	OnStateChange func(s State)
	// OnAck is invoked when a tracked send is confirmed.
	OnAck func(ack *protocol.AckPayload)
	// OnSendError is invoked when the server explicitly rejects a
	// tracked send, so the caller can roll back its local echo.
	OnSendError func(errp *protocol.ErrorPayload)

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Manager maintains one logical connection to a conversation.
type Manager struct {
	opts   Options
	dialer *websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	attempt uint64
	ws      *websocket.Conn
	backoff time.Duration
	pending map[string]*Pending

	writeMu sync.Mutex

	notices *dedupe.Window
	done    chan struct{}
}

// New creates a Manager in the Idle state.
func New(opts Options) *Manager {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Manager{
		opts:    opts,
		dialer:  dialer,
		logger:  logger.With("component", "client"),
		state:   StateIdle,
		pending: make(map[string]*Pending),
		notices: dedupe.NewWindow(noticeDedupeTTL, 128),
		done:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PendingCount returns the number of sends awaiting acks.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Connect starts the connection loop. It returns immediately; observe
// progress via OnStateChange or State.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Send submits a message. Fails fast unless the connection is Open.
// Returns the idempotency token tracking the send.
func (m *Manager) Send(content string) (string, error) {
	m.mu.Lock()
	if m.state != StateOpen {
		m.mu.Unlock()
		return "", ErrNotOpen
	}
	ws := m.ws
	token := uuid.New().String()
	m.pending[token] = &Pending{Token: token, Content: content, SentAt: time.Now()}
	m.mu.Unlock()

	if err := m.writeMessage(ws, content, token); err != nil {
		return token, err
	}
	return token, nil
}

// Close shuts the connection down intentionally. The manager will not
// reconnect afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosed || m.state == StateClosing {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateClosing)
	ws := m.ws
	m.mu.Unlock()

	close(m.done)
	if ws != nil {
		msg := websocket.FormatCloseMessage(protocol.CloseNormal, "")
		m.writeMu.Lock()
		_ = ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = ws.WriteMessage(websocket.CloseMessage, msg)
		m.writeMu.Unlock()
		_ = ws.Close()
	}
	m.transition(StateClosed)
	m.notices.Close()
	return nil
}

// run is the connection loop: dial, pump, reconnect with backoff.
func (m *Manager) run(ctx context.Context) {
	failures := 0
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			m.transition(StateClosed)
			return
		default:
		}

		attempt := m.beginAttempt()
		ws, err := m.dial(ctx)
		if err != nil {
			if !m.stillCurrent(attempt) {
				return
			}
			failures++
			if m.opts.MaxRetries > 0 && failures > m.opts.MaxRetries {
				m.logger.Error("retry budget exhausted", "attempts", failures)
				m.transition(StateErrored)
				return
			}
			wait := m.nextBackoff()
			m.logger.Warn("dial failed, backing off",
				"error", err,
				"retry_in", wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				m.transition(StateClosed)
				return
			case <-m.done:
				return
			}
		}

		m.mu.Lock()
		if m.state == StateClosing || m.state == StateClosed {
			m.mu.Unlock()
			_ = ws.Close()
			return
		}
		m.ws = ws
		m.backoff = 0 // reset on successful open
		failures = 0
		m.setStateLocked(StateOpen)
		m.mu.Unlock()

		m.logger.Info("connection open", "conversation_id", m.opts.ConversationID)
		m.resendPending(ws)

		terminal := m.pump(ctx, ws, attempt)
		_ = ws.Close()
		if terminal {
			return
		}
		if !m.stillCurrent(attempt) {
			return
		}
		m.transition(StateConnecting)
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	url := fmt.Sprintf("%s?conversation_id=%s&token=%s",
		m.opts.URL, m.opts.ConversationID, m.opts.Token)
	ws, _, err := m.dialer.DialContext(ctx, url, nil)
	return ws, err
}

// pump reads frames until the connection dies. Returns true when the
// close reason is terminal and the loop must stop.
func (m *Manager) pump(ctx context.Context, ws *websocket.Conn, attempt uint64) bool {
	pingCtx, stopPings := context.WithCancel(ctx)
	defer stopPings()
	go m.pingLoop(pingCtx, ws)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return m.classifyClose(err, attempt)
		}

		env, err := protocol.Decode(data)
		if err != nil {
			m.logger.Debug("dropping undecodable frame", "error", err)
			continue
		}
		m.dispatch(env)
	}
}

// classifyClose decides whether a read failure ends the manager.
// Normal and auth-failure closes are intentional; reconnecting after
// them would either duplicate a deliberate goodbye or hammer a server
// that has already rejected the credential.
func (m *Manager) classifyClose(err error, attempt uint64) bool {
	if !m.stillCurrent(attempt) {
		return true
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case protocol.CloseNormal:
			m.logger.Info("server closed connection normally")
			m.transition(StateClosed)
			return true
		case protocol.CloseAuthFailure:
			m.logger.Error("authentication rejected", "reason", closeErr.Text)
			m.transition(StateErrored)
			return true
		}
	}

	m.logger.Warn("connection lost", "error", err)
	return false
}

func (m *Manager) dispatch(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAck:
		ack, err := protocol.DecodePayload[protocol.AckPayload](env)
		if err != nil {
			return
		}
		m.mu.Lock()
		_, tracked := m.pending[ack.IdempotencyToken]
		delete(m.pending, ack.IdempotencyToken)
		m.mu.Unlock()
		if tracked && m.opts.OnAck != nil {
			m.opts.OnAck(ack)
		}
		return

	case protocol.TypeError:
		errp, err := protocol.DecodePayload[protocol.ErrorPayload](env)
		if err != nil {
			return
		}
		m.mu.Lock()
		_, tracked := m.pending[errp.IdempotencyToken]
		if tracked && !errp.Retryable {
			// A permanent rejection; replaying it on reconnect would
			// just be rejected again. Retryable failures stay pending
			// so the replay gets another chance.
			delete(m.pending, errp.IdempotencyToken)
		}
		m.mu.Unlock()
		if tracked {
			if m.opts.OnSendError != nil {
				m.opts.OnSendError(errp)
			}
			return
		}

	case protocol.TypePong:
		return

	case protocol.TypeMessage:
		if payload, err := protocol.DecodePayload[protocol.MessagePayload](env); err == nil {
			// Each reconnect produces a fresh server-side connection
			// notice; surface only the first per logical session.
			if payload.Kind == store.KindSystem && payload.Seq == 0 {
				if m.notices.Observe(m.opts.ConversationID, payload.Content) {
					return
				}
			}
		}
	}

	if m.opts.OnMessage != nil {
		m.opts.OnMessage(env)
	}
}

// resendPending replays unacked sends with their original tokens. The
// server's dedupe window makes the replay safe.
func (m *Manager) resendPending(ws *websocket.Conn) {
	m.mu.Lock()
	replay := make([]*Pending, 0, len(m.pending))
	for _, p := range m.pending {
		replay = append(replay, p)
	}
	m.mu.Unlock()

	for _, p := range replay {
		if err := m.writeMessage(ws, p.Content, p.Token); err != nil {
			m.logger.Warn("pending replay failed", "token", p.Token, "error", err)
			return
		}
	}
}

func (m *Manager) writeMessage(ws *websocket.Conn, content, token string) error {
	env, err := protocol.NewEnvelope(protocol.TypeMessage, &protocol.MessagePayload{
		Content:          content,
		IdempotencyToken: token,
	})
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			env, _ := protocol.NewEnvelope(protocol.TypePing, nil)
			data, _ := env.Encode()
			m.writeMu.Lock()
			_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := ws.WriteMessage(websocket.TextMessage, data)
			m.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// beginAttempt invalidates any previous attempt's read loop.
func (m *Manager) beginAttempt() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt++
	return m.attempt
}

func (m *Manager) stillCurrent(attempt uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt == attempt && m.state != StateClosing && m.state != StateClosed
}

// nextBackoff doubles the wait up to the cap.
func (m *Manager) nextBackoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backoff == 0 {
		m.backoff = m.opts.InitialBackoff
	} else {
		m.backoff *= 2
		if m.backoff > m.opts.MaxBackoff {
			m.backoff = m.opts.MaxBackoff
		}
	}
	return m.backoff
}

func (m *Manager) transition(s State) {
	m.mu.Lock()
	m.setStateLocked(s)
	m.mu.Unlock()
}

// setStateLocked must be called with mu held.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.opts.OnStateChange != nil {
		// Callback outside the lock would allow reentrant calls to
		// observe a newer state; deliver asynchronously instead.
		go m.opts.OnStateChange(s)
	}
}
