// ABOUTME: Store interface and data types for polylog persistence.
// ABOUTME: Defines Conversation, Message, Participant and the Store contract.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateSeq is returned when an append collides with an already
// committed (conversation, seq) pair. Sequence assignment is the
// pipeline's job; this firing means two writers raced, which the
// per-conversation serialization point is supposed to prevent.
var ErrDuplicateSeq = errors.New("sequence already committed")

// Message kinds.
const (
	KindHuman     = "human"
	KindAssistant = "assistant"
	KindSystem    = "system"
)

// Conversation is an ordered message log plus a participant roster.
type Conversation struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Message is one committed entry in a conversation log. Seq is
// assigned by the server, strictly increasing per conversation, and
// immutable once committed.
type Message struct {
	ID               string
	ConversationID   string
	Seq              int64
	AuthorID         string // empty for assistant and system messages
	AuthorName       string
	Content          string
	Kind             string // human, assistant, system
	IdempotencyToken string
	CreatedAt        time.Time
}

// Participant records a user's membership in a conversation.
type Participant struct {
	ConversationID string
	UserID         string
	Name           string
	JoinedAt       time.Time
	LeftAt         *time.Time
	LastSeen       time.Time
}

// Store defines conversation, message, and participant persistence.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error

	// Messages. MaxSeq returns 0 for an empty or unknown conversation.
	AppendMessage(ctx context.Context, msg *Message) error
	MaxSeq(ctx context.Context, conversationID string) (int64, error)
	ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]*Message, error)

	// Participants
	UpsertParticipant(ctx context.Context, p *Participant) error
	MarkParticipantLeft(ctx context.Context, conversationID, userID string, at time.Time) error
	ListParticipants(ctx context.Context, conversationID string) ([]*Participant, error)

	Close() error
}

// ListOptions controls paginated history reads. Results are ordered
// by sequence number. Newest-first pages walk backward from BeforeSeq
// (0 means the end of the log); oldest-first pages walk forward from
// AfterSeq (0 means the beginning). Both cursors are exclusive.
type ListOptions struct {
	AfterSeq    int64
	BeforeSeq   int64
	Limit       int
	NewestFirst bool
}
