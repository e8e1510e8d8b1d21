// ABOUTME: Gateway orchestrator wiring auth, sessions, fanout, pipeline, and HTTP serving.
// ABOUTME: Owns the HTTP server lifecycle and the presence event pump.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/polylog/internal/auth"
	"github.com/2389/polylog/internal/fanout"
	"github.com/2389/polylog/internal/pipeline"
	"github.com/2389/polylog/internal/protocol"
	"github.com/2389/polylog/internal/session"
	"github.com/2389/polylog/internal/store"
)

// JoinHandler reacts to a user establishing presence in a
// conversation. Implemented by the trigger engine for join summaries.
type JoinHandler interface {
	HandleJoin(conversationID, userName string)
}

// Deps are the collaborators a Gateway is wired with.
type Deps struct {
	HTTPAddr    string
	Verifier    auth.TokenVerifier
	Registry    *session.Registry
	Fanout      *fanout.Fanout
	Pipeline    *pipeline.Pipeline
	Store       store.Store
	JoinHandler JoinHandler // optional
	Metrics     bool
	MetricsPath string
	// ReadTimeout is the per-connection read deadline, refreshed on
	// every inbound frame. Zero means the default.
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

// Gateway serves the WebSocket and REST endpoints.
type Gateway struct {
	addr        string
	verifier    auth.TokenVerifier
	registry    *session.Registry
	fanout      *fanout.Fanout
	pipeline    *pipeline.Pipeline
	store       store.Store
	joinHandler JoinHandler
	readTimeout time.Duration

	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Gateway and builds its route table.
func New(deps Deps) *Gateway {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		addr:        deps.HTTPAddr,
		verifier:    deps.Verifier,
		registry:    deps.Registry,
		fanout:      deps.Fanout,
		pipeline:    deps.Pipeline,
		store:       deps.Store,
		joinHandler: deps.JoinHandler,
		readTimeout: deps.ReadTimeout,
		logger:      logger.With("component", "gateway"),
	}
	if g.readTimeout <= 0 {
		g.readTimeout = defaultReadTimeout
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", g.handleHealth)
	mux.HandleFunc("/ws", g.handleWebSocket)

	authed := auth.Middleware(deps.Verifier)
	mux.Handle("/api/conversations/", authed(http.HandlerFunc(g.handleConversationRoutes)))

	if deps.Metrics {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.Handler())
	}

	g.httpServer = &http.Server{
		Addr:              deps.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Handler exposes the route table for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts serving and blocks until the context is canceled or the
// server fails. The presence pump and heartbeat sweeper run for the
// lifetime of the context.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.addr, err)
	}

	go g.runPresencePump(ctx)
	g.registry.StartHeartbeatSweeper(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serveErr = <-errCh:
		g.logger.Error("server error", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

// Shutdown stops the HTTP server and releases gateway-owned resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	return g.httpServer.Shutdown(ctx)
}

// runPresencePump converts session registry events into wire frames
// for the affected conversation, records participant membership, and
// notifies the join handler.
func (g *Gateway) runPresencePump(ctx context.Context) {
	events, _ := g.registry.Subscribe(ctx)
	for ev := range events {
		g.handlePresenceEvent(ctx, ev)
	}
}

func (g *Gateway) handlePresenceEvent(ctx context.Context, ev session.Event) {
	payload := &protocol.PresencePayload{
		UserID:    ev.UserID,
		UserName:  ev.UserName,
		Timestamp: ev.At,
	}

	var frameType protocol.Type
	switch ev.Type {
	case session.EventUserJoined:
		frameType = protocol.TypeUserJoined
		if err := g.store.UpsertParticipant(ctx, &store.Participant{
			ConversationID: ev.ConversationID,
			UserID:         ev.UserID,
			Name:           ev.UserName,
			JoinedAt:       ev.At,
			LastSeen:       ev.At,
		}); err != nil {
			g.logger.Warn("recording participant failed",
				"conversation_id", ev.ConversationID,
				"user_id", ev.UserID,
				"error", err)
		}
	case session.EventUserLeft:
		frameType = protocol.TypeUserLeft
		if err := g.store.MarkParticipantLeft(ctx, ev.ConversationID, ev.UserID, ev.At); err != nil {
			g.logger.Warn("recording departure failed",
				"conversation_id", ev.ConversationID,
				"user_id", ev.UserID,
				"error", err)
		}
	default:
		return
	}

	env, err := protocol.NewEnvelope(frameType, payload)
	if err != nil {
		g.logger.Error("encoding presence frame", "error", err)
		return
	}
	g.fanout.Deliver(ev.ConversationID, env)

	if ev.Type == session.EventUserJoined && g.joinHandler != nil {
		go g.joinHandler.HandleJoin(ev.ConversationID, ev.UserName)
	}
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
