// ABOUTME: Message ingestion pipeline: validate, rate-limit, dedupe, sequence, persist, fan out.
// ABOUTME: Sequence numbers are assigned under a per-conversation lock and never reused.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/polylog/internal/dedupe"
	"github.com/2389/polylog/internal/metrics"
	"github.com/2389/polylog/internal/protocol"
	"github.com/2389/polylog/internal/store"
)

// Rejection reasons reported to the sender. None of these are fatal to
// the connection.
var (
	ErrEmptyContent   = errors.New("content is empty")
	ErrContentTooLong = errors.New("content exceeds length limit")
	ErrRateLimited    = errors.New("rate limit exceeded")
)

// PersistenceError reports that a message was sequenced but could not
// be committed. The sequence slot is not reused; the caller must retry
// with a fresh idempotency token.
type PersistenceError struct {
	Seq int64
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting message at seq %d: %v", e.Seq, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Request is one message submission.
type Request struct {
	ConversationID   string
	AuthorID         string // empty for assistant/system authors
	AuthorName       string
	Kind             string // store.KindHuman, KindAssistant, KindSystem
	Content          string
	IdempotencyToken string
}

// Result is the outcome of a successful Ingest call. Duplicate means
// the idempotency token was already seen inside the dedupe window and
// nothing new was committed — reported as success, not an error.
type Result struct {
	Message   *store.Message
	Duplicate bool
}

// Deliverer is what the pipeline needs from broadcast fanout.
type Deliverer interface {
	Deliver(conversationID string, env *protocol.Envelope)
}

// Observer taps the pipeline's committed output stream. Called under
// the conversation's commit lock so timer arming is atomic with
// ingestion; implementations must not block.
type Observer interface {
	Observe(msg *store.Message)
}

// Options configures a Pipeline.
type Options struct {
	MaxMessageLength     int
	RateLimitPerMinute   int
	DedupeWindow         time.Duration
	DedupeWindowCapacity int
}

// convState is the per-conversation serialization point. Holding mu
// is what makes sequence assignment gapless and keeps lull-timer
// management atomic with ingestion.
type convState struct {
	mu      sync.Mutex
	nextSeq int64 // 0 until initialized from the store
}

// Pipeline ingests messages for all conversations.
type Pipeline struct {
	store     store.Store
	deliverer Deliverer
	window    *dedupe.Window
	limiter   *rateLimiter

	mu        sync.Mutex
	convs     map[string]*convState
	observers []Observer

	maxLen int
	logger *slog.Logger
}

// New creates a Pipeline. Pass nil logger for default.
func New(st store.Store, deliverer Deliverer, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = 4000
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = 30 * time.Second
	}
	if opts.DedupeWindowCapacity <= 0 {
		opts.DedupeWindowCapacity = 10000
	}
	return &Pipeline{
		store:     st,
		deliverer: deliverer,
		window:    dedupe.NewWindow(opts.DedupeWindow, opts.DedupeWindowCapacity),
		limiter:   newRateLimiter(opts.RateLimitPerMinute, time.Minute),
		convs:     make(map[string]*convState),
		maxLen:    opts.MaxMessageLength,
		logger:    logger.With("component", "pipeline"),
	}
}

// AddObserver registers a tap on the committed message stream. Must be
// called during wiring, before ingestion starts.
func (p *Pipeline) AddObserver(obs Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, obs)
}

// Ingest runs one message through the full pipeline. On success the
// committed message has its server-assigned sequence number and has
// already been handed to fanout.
func (p *Pipeline) Ingest(ctx context.Context, req *Request) (*Result, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		metrics.MessagesRejected.WithLabelValues("empty").Inc()
		return nil, ErrEmptyContent
	}
	if len(content) > p.maxLen {
		metrics.MessagesRejected.WithLabelValues("too_long").Inc()
		return nil, ErrContentTooLong
	}

	// Only human traffic is rate limited; the assistant is governed by
	// the trigger engine's single-flight rule instead.
	if req.Kind == store.KindHuman && !p.limiter.allow(req.AuthorID) {
		metrics.MessagesRejected.WithLabelValues("rate_limited").Inc()
		return nil, ErrRateLimited
	}

	if req.IdempotencyToken != "" && p.window.Observe(req.ConversationID, req.IdempotencyToken) {
		metrics.DuplicatesIgnored.Inc()
		p.logger.Debug("duplicate send absorbed",
			"conversation_id", req.ConversationID,
			"token", req.IdempotencyToken)
		return &Result{Duplicate: true}, nil
	}

	state := p.convFor(req.ConversationID)

	// The conversation's commit lock: sequence assignment, persistence,
	// and trigger-state updates happen as one atomic step per
	// conversation. Other conversations proceed concurrently.
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.nextSeq == 0 {
		if err := p.initConversation(ctx, req.ConversationID, state); err != nil {
			return nil, err
		}
	}

	seq := state.nextSeq
	state.nextSeq++ // slot is burned even if persistence fails below

	msg := &store.Message{
		ID:               uuid.New().String(),
		ConversationID:   req.ConversationID,
		Seq:              seq,
		AuthorID:         req.AuthorID,
		AuthorName:       req.AuthorName,
		Content:          content,
		Kind:             req.Kind,
		IdempotencyToken: req.IdempotencyToken,
		CreatedAt:        time.Now().UTC(),
	}

	if err := p.store.AppendMessage(ctx, msg); err != nil {
		// Nothing was committed, so the token must not poison a retry:
		// a replay carrying the same token has to be able to pass the
		// dedupe check once the store recovers.
		if req.IdempotencyToken != "" {
			p.window.Forget(req.ConversationID, req.IdempotencyToken)
		}
		p.logger.Error("message persistence failed",
			"conversation_id", req.ConversationID,
			"seq", seq,
			"error", err)
		metrics.MessagesRejected.WithLabelValues("persistence").Inc()
		return nil, &PersistenceError{Seq: seq, Err: err}
	}

	if err := p.store.TouchConversation(ctx, req.ConversationID, msg.CreatedAt); err != nil {
		// Best effort: the message itself is committed.
		p.logger.Warn("touching conversation failed",
			"conversation_id", req.ConversationID,
			"error", err)
	}

	metrics.MessagesIngested.WithLabelValues(msg.Kind).Inc()
	p.logger.Debug("message committed",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"seq", msg.Seq,
		"kind", msg.Kind)

	p.broadcast(msg)

	// Observers run under the commit lock so a lull timer cannot fire
	// between this commit and its re-arm.
	for _, obs := range p.snapshotObservers() {
		obs.Observe(msg)
	}

	return &Result{Message: msg}, nil
}

// History returns a page of committed messages for a conversation.
func (p *Pipeline) History(ctx context.Context, conversationID string, opts store.ListOptions) ([]*store.Message, error) {
	return p.store.ListMessages(ctx, conversationID, opts)
}

// Close releases the dedupe window's background resources.
func (p *Pipeline) Close() {
	p.window.Close()
}

// convFor returns the serialization point for a conversation,
// creating it on first contact.
func (p *Pipeline) convFor(conversationID string) *convState {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.convs[conversationID]
	if !ok {
		state = &convState{}
		p.convs[conversationID] = state
	}
	return state
}

// initConversation ensures the conversation row exists and seeds the
// sequence counter from the store. Called under the commit lock.
func (p *Pipeline) initConversation(ctx context.Context, conversationID string, state *convState) error {
	if _, err := p.store.GetConversation(ctx, conversationID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("loading conversation: %w", err)
		}
		now := time.Now().UTC()
		if err := p.store.CreateConversation(ctx, &store.Conversation{
			ID:           conversationID,
			CreatedAt:    now,
			LastActivity: now,
		}); err != nil {
			return fmt.Errorf("creating conversation: %w", err)
		}
	}

	max, err := p.store.MaxSeq(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading sequence counter: %w", err)
	}
	state.nextSeq = max + 1
	return nil
}

func (p *Pipeline) snapshotObservers() []Observer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.observers
}

// broadcast hands the committed message to fanout as a wire envelope.
func (p *Pipeline) broadcast(msg *store.Message) {
	env, err := protocol.NewEnvelope(protocol.TypeMessage, &protocol.MessagePayload{
		ID:               msg.ID,
		Seq:              msg.Seq,
		AuthorID:         msg.AuthorID,
		AuthorName:       msg.AuthorName,
		Content:          msg.Content,
		IsAssistant:      msg.Kind == store.KindAssistant,
		Kind:             msg.Kind,
		IdempotencyToken: msg.IdempotencyToken,
		Timestamp:        msg.CreatedAt,
	})
	if err != nil {
		p.logger.Error("encoding broadcast envelope", "error", err)
		return
	}
	p.deliverer.Deliver(msg.ConversationID, env)
}
