// ABOUTME: Tests for the SQLite and mock Store implementations.
// ABOUTME: Runs the same suite against both via the Store interface.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeImpls(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "polylog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"mock":   NewMockStore(),
	}
}

func seedConversation(t *testing.T, s Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.CreateConversation(context.Background(), &Conversation{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
	}))
}

func TestStore_CreateAndGetConversation(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedConversation(t, s, "conv-1")

			conv, err := s.GetConversation(ctx, "conv-1")
			require.NoError(t, err)
			assert.Equal(t, "conv-1", conv.ID)

			_, err = s.GetConversation(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_CreateConversation_DuplicateIsHarmless(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			seedConversation(t, s, "conv-dup")
			seedConversation(t, s, "conv-dup")

			_, err := s.GetConversation(context.Background(), "conv-dup")
			assert.NoError(t, err)
		})
	}
}

func TestStore_AppendAndMaxSeq(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedConversation(t, s, "conv-seq")

			max, err := s.MaxSeq(ctx, "conv-seq")
			require.NoError(t, err)
			assert.Equal(t, int64(0), max)

			for i := int64(1); i <= 3; i++ {
				require.NoError(t, s.AppendMessage(ctx, &Message{
					ID:             "msg-" + string(rune('0'+i)),
					ConversationID: "conv-seq",
					Seq:            i,
					AuthorID:       "user-1",
					AuthorName:     "Ada",
					Content:        "hello",
					Kind:           KindHuman,
					CreatedAt:      time.Now().UTC(),
				}))
			}

			max, err = s.MaxSeq(ctx, "conv-seq")
			require.NoError(t, err)
			assert.Equal(t, int64(3), max)
		})
	}
}

func TestStore_AppendMessage_DuplicateSeqRejected(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedConversation(t, s, "conv-race")

			msg := &Message{
				ID:             "msg-a",
				ConversationID: "conv-race",
				Seq:            1,
				AuthorName:     "Ada",
				Content:        "first",
				Kind:           KindHuman,
				CreatedAt:      time.Now().UTC(),
			}
			require.NoError(t, s.AppendMessage(ctx, msg))

			clash := *msg
			clash.ID = "msg-b"
			clash.Content = "second"
			err := s.AppendMessage(ctx, &clash)
			assert.ErrorIs(t, err, ErrDuplicateSeq)
		})
	}
}

func TestStore_ListMessages_Pagination(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedConversation(t, s, "conv-page")

			for i := int64(1); i <= 10; i++ {
				require.NoError(t, s.AppendMessage(ctx, &Message{
					ID:             "msg-" + string(rune('a'+i)),
					ConversationID: "conv-page",
					Seq:            i,
					AuthorName:     "Ada",
					Content:        "n",
					Kind:           KindHuman,
					CreatedAt:      time.Now().UTC(),
				}))
			}

			// Newest-first from the end of the log
			page, err := s.ListMessages(ctx, "conv-page", ListOptions{Limit: 3, NewestFirst: true})
			require.NoError(t, err)
			require.Len(t, page, 3)
			assert.Equal(t, int64(10), page[0].Seq)
			assert.Equal(t, int64(8), page[2].Seq)

			// Next newest-first page via the Before cursor
			page, err = s.ListMessages(ctx, "conv-page", ListOptions{Limit: 3, NewestFirst: true, BeforeSeq: 8})
			require.NoError(t, err)
			require.Len(t, page, 3)
			assert.Equal(t, int64(7), page[0].Seq)

			// Oldest-first from the beginning
			page, err = s.ListMessages(ctx, "conv-page", ListOptions{Limit: 4})
			require.NoError(t, err)
			require.Len(t, page, 4)
			assert.Equal(t, int64(1), page[0].Seq)
			assert.Equal(t, int64(4), page[3].Seq)

			// Forward cursor
			page, err = s.ListMessages(ctx, "conv-page", ListOptions{Limit: 4, AfterSeq: 4})
			require.NoError(t, err)
			require.Len(t, page, 4)
			assert.Equal(t, int64(5), page[0].Seq)
		})
	}
}

func TestStore_Participants(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedConversation(t, s, "conv-p")

			now := time.Now().UTC()
			require.NoError(t, s.UpsertParticipant(ctx, &Participant{
				ConversationID: "conv-p",
				UserID:         "user-1",
				Name:           "Ada",
				JoinedAt:       now,
				LastSeen:       now,
			}))

			require.NoError(t, s.MarkParticipantLeft(ctx, "conv-p", "user-1", now.Add(time.Minute)))

			participants, err := s.ListParticipants(ctx, "conv-p")
			require.NoError(t, err)
			require.Len(t, participants, 1)
			require.NotNil(t, participants[0].LeftAt)

			// Rejoin clears left_at
			require.NoError(t, s.UpsertParticipant(ctx, &Participant{
				ConversationID: "conv-p",
				UserID:         "user-1",
				Name:           "Ada",
				JoinedAt:       now,
				LastSeen:       now.Add(2 * time.Minute),
			}))

			participants, err = s.ListParticipants(ctx, "conv-p")
			require.NoError(t, err)
			require.Len(t, participants, 1)
			assert.Nil(t, participants[0].LeftAt)
		})
	}
}

func TestStore_MarkParticipantLeft_NotFound(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			seedConversation(t, s, "conv-x")
			err := s.MarkParticipantLeft(context.Background(), "conv-x", "ghost", time.Now())
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
