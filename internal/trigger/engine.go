// ABOUTME: Assistant trigger engine: per-conversation lull timers and single-flight invocation.
// ABOUTME: Observes the pipeline's output and re-enters it as a producer on trigger.

package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/polylog/internal/llm"
	"github.com/2389/polylog/internal/metrics"
	"github.com/2389/polylog/internal/pipeline"
	"github.com/2389/polylog/internal/store"
)

// Ingester is what the engine needs to inject assistant messages back
// into the conversation. Satisfied by *pipeline.Pipeline.
type Ingester interface {
	Ingest(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error)
}

// HistorySource supplies the context window for generation.
type HistorySource interface {
	ListMessages(ctx context.Context, conversationID string, opts store.ListOptions) ([]*store.Message, error)
}

// Options configures the engine.
type Options struct {
	AssistantName     string
	MentionTokens     []string
	LullTimeout       time.Duration
	ContextWindowSize int
	Model             string
	MaxTokens         int
	InvokeTimeout     time.Duration
}

// Trigger causes, used for logging and metrics.
const (
	causeMention = "mention"
	causeLull    = "lull"
	causeJoin    = "join_summary"
	causeWelcome = "welcome"
)

// convState is the engine's per-conversation bookkeeping. The lull
// timer and the invoking flag live behind one mutex so a human message
// and a timer fire cannot race into a double invocation.
type convState struct {
	mu           sync.Mutex
	lullTimer    *time.Timer
	timerGen     uint64 // invalidates stale AfterFunc fires
	invoking     bool
	lastHumanSeq int64
	answeredSeq  int64 // lastHumanSeq at the time of the last assistant reply
}

// Engine watches conversations and invokes the language model.
type Engine struct {
	ingester Ingester
	history  HistorySource
	client   llm.Client
	opts     Options

	mu    sync.Mutex
	convs map[string]*convState

	logger *slog.Logger
}

// New creates an Engine. Pass nil logger for default.
func New(ingester Ingester, history HistorySource, client llm.Client, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AssistantName == "" {
		opts.AssistantName = "AI Assistant"
	}
	if len(opts.MentionTokens) == 0 {
		opts.MentionTokens = DefaultMentionTokens
	}
	if opts.LullTimeout <= 0 {
		opts.LullTimeout = 30 * time.Second
	}
	if opts.ContextWindowSize <= 0 {
		opts.ContextWindowSize = 50
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = 60 * time.Second
	}
	return &Engine{
		ingester: ingester,
		history:  history,
		client:   client,
		opts:     opts,
		convs:    make(map[string]*convState),
		logger:   logger.With("component", "trigger"),
	}
}

// Observe implements pipeline.Observer. It runs under the
// conversation's commit lock, which is what makes timer re-arming
// atomic with ingestion; it must stay non-blocking.
func (e *Engine) Observe(msg *store.Message) {
	state := e.convFor(msg.ConversationID)

	state.mu.Lock()
	switch msg.Kind {
	case store.KindAssistant:
		// The assistant has answered everything up to the last human
		// message it saw; a pending lull fire is no longer warranted.
		state.answeredSeq = state.lastHumanSeq
		e.disarmLocked(state)
		state.mu.Unlock()
		return

	case store.KindSystem:
		state.mu.Unlock()
		return
	}

	// Human message: reset the silence clock.
	state.lastHumanSeq = msg.Seq
	e.disarmLocked(state)

	mentioned := isMention(msg.Content, e.opts.MentionTokens)
	if !mentioned {
		timeout := e.opts.LullTimeout
		if isDirectQuestion(msg.Content) {
			// An open question deserves a quicker nudge than idle chat.
			timeout /= 2
		}
		e.armLocked(msg.ConversationID, state, timeout)
	}
	state.mu.Unlock()

	if mentioned {
		e.tryInvoke(msg.ConversationID, causeMention)
	}
}

// HandleJoin reacts to a new participant. A join into a non-empty
// conversation gets a one-shot condensed summary; the very first
// participant gets a short welcome. Both run through the same
// single-flight machinery as ordinary triggers.
func (e *Engine) HandleJoin(conversationID, userName string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.InvokeTimeout)
	defer cancel()

	recent, err := e.history.ListMessages(ctx, conversationID, store.ListOptions{
		Limit:       e.opts.ContextWindowSize,
		NewestFirst: true,
	})
	if err != nil {
		e.logger.Warn("join summary skipped, history unavailable",
			"conversation_id", conversationID,
			"error", err)
		return
	}

	if len(recent) == 0 {
		e.tryInvokeWith(conversationID, causeWelcome, func(ctx context.Context) (string, error) {
			return e.generateWelcome(ctx, userName)
		})
		return
	}

	e.tryInvokeWith(conversationID, causeJoin, func(ctx context.Context) (string, error) {
		return e.generateSummary(ctx, conversationID)
	})
}

// Close stops all pending timers.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, state := range e.convs {
		state.mu.Lock()
		e.disarmLocked(state)
		state.mu.Unlock()
	}
}

func (e *Engine) convFor(conversationID string) *convState {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.convs[conversationID]
	if !ok {
		state = &convState{}
		e.convs[conversationID] = state
	}
	return state
}

// armLocked schedules a lull fire. Must be called with state.mu held.
func (e *Engine) armLocked(conversationID string, state *convState, timeout time.Duration) {
	state.timerGen++
	gen := state.timerGen
	state.lullTimer = time.AfterFunc(timeout, func() {
		e.lullFired(conversationID, gen)
	})
}

// disarmLocked cancels any scheduled lull fire. Must be called with
// state.mu held. The generation bump makes an already-fired callback
// a no-op even if Stop was too late.
func (e *Engine) disarmLocked(state *convState) {
	state.timerGen++
	if state.lullTimer != nil {
		state.lullTimer.Stop()
		state.lullTimer = nil
	}
}

// lullFired is the AfterFunc callback for an armed lull timer.
func (e *Engine) lullFired(conversationID string, gen uint64) {
	state := e.convFor(conversationID)

	state.mu.Lock()
	if gen != state.timerGen {
		// A human message or an assistant reply re-armed or disarmed
		// after this fire was scheduled.
		state.mu.Unlock()
		return
	}
	if state.answeredSeq >= state.lastHumanSeq {
		// Nothing unanswered; stand down.
		state.mu.Unlock()
		return
	}
	state.mu.Unlock()

	e.tryInvoke(conversationID, causeLull)
}

// tryInvoke fires a standard reply generation for the conversation.
func (e *Engine) tryInvoke(conversationID, cause string) {
	e.tryInvokeWith(conversationID, cause, func(ctx context.Context) (string, error) {
		return e.generateReply(ctx, conversationID)
	})
}

// tryInvokeWith enforces the single-flight rule and runs the
// generation asynchronously. A trigger landing while a generation is
// in flight is dropped.
func (e *Engine) tryInvokeWith(conversationID, cause string, generate func(context.Context) (string, error)) {
	state := e.convFor(conversationID)

	state.mu.Lock()
	if state.invoking {
		state.mu.Unlock()
		metrics.AssistantInvocations.WithLabelValues(cause, "dropped").Inc()
		e.logger.Debug("trigger dropped, generation already in flight",
			"conversation_id", conversationID,
			"cause", cause)
		return
	}
	state.invoking = true
	state.mu.Unlock()

	go e.invoke(conversationID, cause, state, generate)
}

// invoke runs one generation end to end. No lock is held across the
// model call or the re-ingestion.
func (e *Engine) invoke(conversationID, cause string, state *convState, generate func(context.Context) (string, error)) {
	defer func() {
		state.mu.Lock()
		state.invoking = false
		state.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.InvokeTimeout)
	defer cancel()

	start := time.Now()
	content, err := generate(ctx)
	metrics.AssistantLatency.WithLabelValues(e.client.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		// Silent assistant: the failure goes to observability, never
		// into the conversation.
		metrics.AssistantInvocations.WithLabelValues(cause, "failed").Inc()
		e.logger.Error("assistant generation failed",
			"conversation_id", conversationID,
			"cause", cause,
			"error", err)
		return
	}
	if strings.TrimSpace(content) == "" {
		metrics.AssistantInvocations.WithLabelValues(cause, "empty").Inc()
		return
	}

	_, err = e.ingester.Ingest(ctx, &pipeline.Request{
		ConversationID: conversationID,
		AuthorName:     e.opts.AssistantName,
		Kind:           store.KindAssistant,
		Content:        content,
	})
	if err != nil {
		metrics.AssistantInvocations.WithLabelValues(cause, "inject_failed").Inc()
		e.logger.Error("assistant reply could not be committed",
			"conversation_id", conversationID,
			"cause", cause,
			"error", err)
		return
	}

	metrics.AssistantInvocations.WithLabelValues(cause, "ok").Inc()
	e.logger.Info("assistant replied",
		"conversation_id", conversationID,
		"cause", cause,
		"latency", time.Since(start))
}

// generateReply builds the context window and asks the model for a
// conversational reply.
func (e *Engine) generateReply(ctx context.Context, conversationID string) (string, error) {
	window, err := e.contextWindow(ctx, conversationID)
	if err != nil {
		return "", err
	}

	messages := append([]llm.ChatMessage{{
		Role:    llm.RoleSystem,
		Content: e.systemPrompt(),
	}}, window...)

	resp, err := e.client.Complete(ctx, &llm.CompletionRequest{
		Model:     e.opts.Model,
		Messages:  messages,
		MaxTokens: e.opts.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// generateSummary condenses the recent conversation for a newcomer.
func (e *Engine) generateSummary(ctx context.Context, conversationID string) (string, error) {
	window, err := e.contextWindow(ctx, conversationID)
	if err != nil {
		return "", err
	}

	var transcript strings.Builder
	for _, m := range window {
		transcript.WriteString(m.Content)
		transcript.WriteString("\n")
	}

	resp, err := e.client.Complete(ctx, &llm.CompletionRequest{
		Model: e.opts.Model,
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: e.systemPrompt()},
			{Role: llm.RoleUser, Content: fmt.Sprintf(
				"Briefly summarize this conversation in 1-2 sentences so a new participant can catch up:\n\n%s",
				transcript.String())},
		},
		MaxTokens: e.opts.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// generateWelcome greets the first participant of an empty conversation.
func (e *Engine) generateWelcome(ctx context.Context, userName string) (string, error) {
	resp, err := e.client.Complete(ctx, &llm.CompletionRequest{
		Model: e.opts.Model,
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: e.systemPrompt()},
			{Role: llm.RoleUser, Content: fmt.Sprintf(
				"Generate a brief, friendly welcome for %s, who just started a new conversation. Under 40 words.",
				userName)},
		},
		MaxTokens: e.opts.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// contextWindow loads the last K messages oldest-first and converts
// them to chat turns. Human and system turns carry the author's name
// inline so the model can track who said what.
func (e *Engine) contextWindow(ctx context.Context, conversationID string) ([]llm.ChatMessage, error) {
	recent, err := e.history.ListMessages(ctx, conversationID, store.ListOptions{
		Limit:       e.opts.ContextWindowSize,
		NewestFirst: true,
	})
	if err != nil {
		return nil, fmt.Errorf("loading context window: %w", err)
	}

	// Flip newest-first page into chronological order.
	window := make([]llm.ChatMessage, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		if m.Kind == store.KindAssistant {
			window = append(window, llm.ChatMessage{Role: llm.RoleAssistant, Content: m.Content})
			continue
		}
		window = append(window, llm.ChatMessage{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("%s: %s", m.AuthorName, m.Content),
		})
	}
	return window, nil
}

func (e *Engine) systemPrompt() string {
	return fmt.Sprintf(`You are %s, an assistant participating in a group conversation with several people.
Be helpful and concise, usually one to three sentences. Multiple people may be present; let them talk to
each other and only add value when asked or when the conversation has stalled. Respond to greetings with
a simple greeting. Ask a clarifying question when intent is unclear.`, e.opts.AssistantName)
}
