// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]*Message    // keyed by conversation ID, append order
	participants  map[string]*Participant  // keyed by "conversationID:userID"
	appendErr     error                    // when set, AppendMessage fails with it
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		participants:  make(map[string]*Participant),
	}
}

// FailAppends makes subsequent AppendMessage calls return err.
// Pass nil to restore normal behavior.
func (m *MockStore) FailAppends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendErr = err
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return nil
	}
	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

// TouchConversation bumps last activity.
func (m *MockStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.LastActivity = at
	return nil
}

// AppendMessage commits a message, enforcing (conversation, seq) uniqueness.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.appendErr != nil {
		return m.appendErr
	}
	for _, existing := range m.messages[msg.ConversationID] {
		if existing.Seq == msg.Seq {
			return ErrDuplicateSeq
		}
	}
	copied := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &copied)
	return nil
}

// MaxSeq returns the highest committed sequence number.
func (m *MockStore) MaxSeq(ctx context.Context, conversationID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var max int64
	for _, msg := range m.messages[conversationID] {
		if msg.Seq > max {
			max = msg.Seq
		}
	}
	return max, nil
}

// ListMessages returns a page of messages ordered by seq.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	all := make([]*Message, 0, len(m.messages[conversationID]))
	for _, msg := range m.messages[conversationID] {
		copied := *msg
		all = append(all, &copied)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })

	var page []*Message
	if opts.NewestFirst {
		for i := len(all) - 1; i >= 0 && len(page) < limit; i-- {
			if opts.BeforeSeq > 0 && all[i].Seq >= opts.BeforeSeq {
				continue
			}
			page = append(page, all[i])
		}
	} else {
		for _, msg := range all {
			if len(page) >= limit {
				break
			}
			if opts.AfterSeq > 0 && msg.Seq <= opts.AfterSeq {
				continue
			}
			page = append(page, msg)
		}
	}
	return page, nil
}

// UpsertParticipant inserts or refreshes a participant.
func (m *MockStore) UpsertParticipant(ctx context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := p.ConversationID + ":" + p.UserID
	if existing, ok := m.participants[key]; ok {
		existing.Name = p.Name
		existing.LeftAt = nil
		existing.LastSeen = p.LastSeen
		return nil
	}
	copied := *p
	copied.LeftAt = nil
	m.participants[key] = &copied
	return nil
}

// MarkParticipantLeft records a departure.
func (m *MockStore) MarkParticipantLeft(ctx context.Context, conversationID, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := conversationID + ":" + userID
	p, ok := m.participants[key]
	if !ok {
		return ErrNotFound
	}
	t := at
	p.LeftAt = &t
	p.LastSeen = at
	return nil
}

// ListParticipants returns participants ordered by join time.
func (m *MockStore) ListParticipants(ctx context.Context, conversationID string) ([]*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Participant
	for _, p := range m.participants {
		if p.ConversationID == conversationID {
			copied := *p
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].JoinedAt.Before(result[j].JoinedAt) })
	return result, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}
