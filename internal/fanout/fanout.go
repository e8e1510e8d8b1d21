// ABOUTME: Broadcast fanout resolving the connection set from the session registry.
// ABOUTME: Failed connections are marked for teardown without aborting remaining deliveries.

package fanout

import (
	"log/slog"

	"github.com/2389/polylog/internal/metrics"
	"github.com/2389/polylog/internal/protocol"
	"github.com/2389/polylog/internal/session"
)

// ConnectionSource is what fanout needs from the session registry.
type ConnectionSource interface {
	Connections(conversationID string) []session.Conn
	Unregister(connectionID string)
}

// Fanout broadcasts envelopes to a conversation's live connections.
type Fanout struct {
	source ConnectionSource
	logger *slog.Logger
}

// New creates a Fanout. Pass nil logger for default.
func New(source ConnectionSource, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		source: source,
		logger: logger.With("component", "fanout"),
	}
}

// Deliver sends the envelope to every active connection in the
// conversation, the author's own connections included. A send error on
// one connection unregisters that connection and moves on; delivery is
// best-effort per connection and never reports failure upward.
func (f *Fanout) Deliver(conversationID string, env *protocol.Envelope) {
	conns := f.source.Connections(conversationID)
	if len(conns) == 0 {
		f.logger.Debug("no active connections for delivery",
			"conversation_id", conversationID,
			"type", env.Type)
		return
	}

	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(env); err != nil {
			f.logger.Warn("delivery failed, marking connection for teardown",
				"conversation_id", conversationID,
				"connection_id", conn.ID(),
				"error", err)
			metrics.FanoutDeliveries.WithLabelValues("error").Inc()
			f.source.Unregister(conn.ID())
			continue
		}
		metrics.FanoutDeliveries.WithLabelValues("ok").Inc()
		delivered++
	}

	f.logger.Debug("envelope delivered",
		"conversation_id", conversationID,
		"type", env.Type,
		"delivered", delivered,
		"targets", len(conns))
}
