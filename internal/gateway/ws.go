// ABOUTME: WebSocket upgrade handler, connection wrapper, and the per-connection read loop.
// ABOUTME: Message frames run through the pipeline; acks and errors go back to the sender only.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/polylog/internal/auth"
	"github.com/2389/polylog/internal/metrics"
	"github.com/2389/polylog/internal/pipeline"
	"github.com/2389/polylog/internal/protocol"
	"github.com/2389/polylog/internal/store"
)

const (
	writeTimeout   = 10 * time.Second
	maxFrameSize   = 64 * 1024
	closeGraceWait = time.Second

	// Three missed 30s ping cycles before the read side gives up on a
	// silent peer.
	defaultReadTimeout = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway fronts its own clients; origin policy is delegated
	// to the deployment's reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to session.Conn. Writes are
// serialized through a mutex; gorilla allows one concurrent writer.
type wsConn struct {
	id     string
	userID string
	ws     *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

func newWSConn(userID string, ws *websocket.Conn) *wsConn {
	return &wsConn{
		id:     uuid.New().String(),
		userID: userID,
		ws:     ws,
	}
}

func (c *wsConn) ID() string     { return c.id }
func (c *wsConn) UserID() string { return c.userID }

// Send writes one envelope as a text frame.
func (c *wsConn) Send(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with the given code and tears the socket
// down. Safe to call more than once.
func (c *wsConn) Close(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.SetWriteDeadline(time.Now().Add(closeGraceWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	return c.ws.Close()
}

// handleWebSocket authenticates and upgrades a connection, registers
// it with the session registry, and runs the read loop until the peer
// goes away.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, `{"error":"conversation_id is required"}`, http.StatusBadRequest)
		return
	}

	token, errMsg := auth.ExtractToken(r)
	var identity *auth.Identity
	var authErr error
	if errMsg != "" {
		authErr = errors.New(errMsg)
	} else {
		identity, authErr = g.verifier.Verify(token)
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	// Auth failures are reported over the socket so browser clients
	// can see the terminal close code.
	if authErr != nil {
		g.logger.Info("websocket auth rejected", "error", authErr)
		msg := websocket.FormatCloseMessage(protocol.CloseAuthFailure, "authentication failed")
		_ = ws.SetWriteDeadline(time.Now().Add(closeGraceWait))
		_ = ws.WriteMessage(websocket.CloseMessage, msg)
		_ = ws.Close()
		return
	}

	conn := newWSConn(identity.UserID, ws)
	g.registry.Register(identity.UserID, identity.DisplayName, conversationID, conn)
	metrics.ConnectionsActive.Inc()

	g.logger.Info("websocket connected",
		"conversation_id", conversationID,
		"user_id", identity.UserID,
		"connection_id", conn.ID())

	// One-shot notice for the connecting client only. Reconnecting
	// clients use it to detect a fresh server-side connection.
	g.sendConnectedNotice(conn, identity.DisplayName)

	g.readLoop(r.Context(), conn, identity, conversationID)

	metrics.ConnectionsActive.Dec()
	g.registry.Unregister(conn.ID())
	_ = conn.Close(protocol.CloseNormal, "")
	g.logger.Info("websocket disconnected",
		"conversation_id", conversationID,
		"user_id", identity.UserID,
		"connection_id", conn.ID())
}

func (g *Gateway) sendConnectedNotice(conn *wsConn, displayName string) {
	env, err := protocol.NewEnvelope(protocol.TypeMessage, &protocol.MessagePayload{
		AuthorName: "system",
		Content:    fmt.Sprintf("connected as %s", displayName),
		Kind:       store.KindSystem,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return
	}
	_ = conn.Send(env)
}

// readLoop consumes frames until the connection errors or closes.
func (g *Gateway) readLoop(ctx context.Context, conn *wsConn, identity *auth.Identity, conversationID string) {
	conn.ws.SetReadLimit(maxFrameSize)

	for {
		_ = conn.ws.SetReadDeadline(time.Now().Add(g.readTimeout))
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("websocket read error", "connection_id", conn.ID(), "error", err)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			g.sendError(conn, "", "bad_frame", err.Error(), false)
			continue
		}

		switch env.Type {
		case protocol.TypePing:
			g.registry.Touch(conn.ID())
			pong, _ := protocol.NewEnvelope(protocol.TypePong, nil)
			_ = conn.Send(pong)

		case protocol.TypeMessage:
			g.handleInboundMessage(ctx, conn, identity, conversationID, env)

		case protocol.TypeTyping:
			g.relayTyping(identity, conversationID, env)

		default:
			// Clients have no business sending server-originated frames.
			g.sendError(conn, "", "bad_frame",
				fmt.Sprintf("unexpected frame type %q", env.Type), false)
		}
	}
}

// handleInboundMessage runs a client send through the pipeline and
// answers with an ack or error frame.
func (g *Gateway) handleInboundMessage(ctx context.Context, conn *wsConn, identity *auth.Identity, conversationID string, env *protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.MessagePayload](env)
	if err != nil {
		g.sendError(conn, "", "bad_frame", err.Error(), false)
		return
	}

	res, err := g.pipeline.Ingest(ctx, &pipeline.Request{
		ConversationID:   conversationID,
		AuthorID:         identity.UserID,
		AuthorName:       identity.DisplayName,
		Kind:             store.KindHuman,
		Content:          payload.Content,
		IdempotencyToken: payload.IdempotencyToken,
	})
	if err != nil {
		code, retryable := classifyIngestError(err)
		g.sendError(conn, payload.IdempotencyToken, code, err.Error(), retryable)
		return
	}

	ack := &protocol.AckPayload{
		IdempotencyToken: payload.IdempotencyToken,
		Duplicate:        res.Duplicate,
	}
	if res.Message != nil {
		ack.MessageID = res.Message.ID
		ack.Seq = res.Message.Seq
	}
	ackEnv, err := protocol.NewEnvelope(protocol.TypeAck, ack)
	if err != nil {
		return
	}
	_ = conn.Send(ackEnv)
}

// classifyIngestError maps pipeline rejections to wire error codes.
// A persistence failure burned a sequence slot, so the retry needs a
// fresh idempotency token.
func classifyIngestError(err error) (code string, retryable bool) {
	var perr *pipeline.PersistenceError
	switch {
	case errors.Is(err, pipeline.ErrEmptyContent):
		return "empty_content", false
	case errors.Is(err, pipeline.ErrContentTooLong):
		return "content_too_long", false
	case errors.Is(err, pipeline.ErrRateLimited):
		return "rate_limited", true
	case errors.As(err, &perr):
		return "persistence_failed", true
	default:
		return "internal", true
	}
}

// relayTyping forwards a typing indicator to the conversation. The
// identity comes from the connection, never from the payload.
func (g *Gateway) relayTyping(identity *auth.Identity, conversationID string, env *protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.TypingPayload](env)
	if err != nil {
		return
	}

	out, err := protocol.NewEnvelope(protocol.TypeTyping, &protocol.TypingPayload{
		UserID:   identity.UserID,
		UserName: identity.DisplayName,
		Active:   payload.Active,
	})
	if err != nil {
		return
	}
	g.fanout.Deliver(conversationID, out)
}

func (g *Gateway) sendError(conn *wsConn, token, code, message string, retryable bool) {
	env, err := protocol.NewEnvelope(protocol.TypeError, &protocol.ErrorPayload{
		IdempotencyToken: token,
		Code:             code,
		Message:          message,
		Retryable:        retryable,
	})
	if err != nil {
		return
	}
	_ = conn.Send(env)
}
