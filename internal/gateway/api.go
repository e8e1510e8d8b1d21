// ABOUTME: REST API handlers for conversation history and participants.
// ABOUTME: History is paginated by exclusive sequence cursors.

package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/polylog/internal/store"
)

const defaultHistoryLimit = 50

// messageJSON is the REST shape of a committed message.
type messageJSON struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	AuthorID    string    `json:"authorId,omitempty"`
	AuthorName  string    `json:"authorName"`
	Content     string    `json:"content"`
	Kind        string    `json:"kind"`
	IsAssistant bool      `json:"isAssistant"`
	Timestamp   time.Time `json:"timestamp"`
}

type participantJSON struct {
	UserID   string     `json:"userId"`
	Name     string     `json:"name"`
	JoinedAt time.Time  `json:"joinedAt"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
	Present  bool       `json:"present"`
}

// handleConversationRoutes dispatches /api/conversations/{id}/... paths.
func (g *Gateway) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	conversationID := parts[0]

	switch parts[1] {
	case "messages":
		g.handleHistory(w, r, conversationID)
	case "participants":
		g.handleParticipants(w, r, conversationID)
	default:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}
}

// handleHistory returns a page of committed messages. Query
// parameters: limit, after_seq (forward paging), before_seq (backward
// paging), newest_first.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request, conversationID string) {
	q := r.URL.Query()

	opts := store.ListOptions{Limit: defaultHistoryLimit}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		opts.Limit = n
	}
	if v := q.Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"invalid after_seq"}`, http.StatusBadRequest)
			return
		}
		opts.AfterSeq = n
	}
	if v := q.Get("before_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"invalid before_seq"}`, http.StatusBadRequest)
			return
		}
		opts.BeforeSeq = n
		opts.NewestFirst = true
	}
	if q.Get("newest_first") == "true" {
		opts.NewestFirst = true
	}

	msgs, err := g.pipeline.History(r.Context(), conversationID, opts)
	if err != nil {
		g.logger.Error("history read failed",
			"conversation_id", conversationID,
			"error", err)
		http.Error(w, `{"error":"history unavailable"}`, http.StatusInternalServerError)
		return
	}

	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON{
			ID:          m.ID,
			Seq:         m.Seq,
			AuthorID:    m.AuthorID,
			AuthorName:  m.AuthorName,
			Content:     m.Content,
			Kind:        m.Kind,
			IsAssistant: m.Kind == store.KindAssistant,
			Timestamp:   m.CreatedAt,
		})
	}
	writeJSON(w, map[string]any{"messages": out})
}

// handleParticipants returns the conversation's membership, with
// live presence resolved from the session registry.
func (g *Gateway) handleParticipants(w http.ResponseWriter, r *http.Request, conversationID string) {
	participants, err := g.store.ListParticipants(r.Context(), conversationID)
	if err != nil {
		g.logger.Error("participant read failed",
			"conversation_id", conversationID,
			"error", err)
		http.Error(w, `{"error":"participants unavailable"}`, http.StatusInternalServerError)
		return
	}

	present := make(map[string]bool)
	for _, sess := range g.registry.ActiveUsers(conversationID) {
		present[sess.UserID] = true
	}

	out := make([]participantJSON, 0, len(participants))
	for _, p := range participants {
		out = append(out, participantJSON{
			UserID:   p.UserID,
			Name:     p.Name,
			JoinedAt: p.JoinedAt,
			LeftAt:   p.LeftAt,
			Present:  present[p.UserID],
		})
	}
	writeJSON(w, map[string]any{"participants": out})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already written; nothing useful to do.
		_ = err
	}
}
