// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides conversation/message/participant persistence with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is created if it doesn't exist. Parent directories are
// created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL,
			last_activity DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			author_id TEXT NOT NULL DEFAULT '',
			author_name TEXT NOT NULL,
			content TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'human',
			idempotency_token TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS participants (
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			joined_at DATETIME NOT NULL,
			left_at DATETIME,
			last_seen DATETIME NOT NULL,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, created_at, last_activity) VALUES (?, ?, ?)`,
		conv.ID, conv.CreatedAt, conv.LastActivity,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			// Already exists; conversations are append-only logs, so a
			// racing create is harmless.
			return nil
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation looks up a conversation by id.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, last_activity FROM conversations WHERE id = ?`, id)

	var conv Conversation
	if err := row.Scan(&conv.ID, &conv.CreatedAt, &conv.LastActivity); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	return &conv, nil
}

// TouchConversation bumps last_activity.
func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_activity = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage commits one message. The (conversation, seq) pair must
// be unused; a collision returns ErrDuplicateSeq.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages
			(id, conversation_id, seq, author_id, author_name, content, kind, idempotency_token, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Seq, msg.AuthorID, msg.AuthorName,
		msg.Content, msg.Kind, msg.IdempotencyToken, msg.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicateSeq
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// MaxSeq returns the highest committed sequence number for a
// conversation, or 0 if none.
func (s *SQLiteStore) MaxSeq(ctx context.Context, conversationID string) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`,
		conversationID)

	var max int64
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("scanning max seq: %w", err)
	}
	return max, nil
}

// ListMessages returns a page of messages ordered by sequence number.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]*Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, conversation_id, seq, author_id, author_name, content, kind, idempotency_token, created_at
		FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}

	if opts.NewestFirst {
		if opts.BeforeSeq > 0 {
			query += ` AND seq < ?`
			args = append(args, opts.BeforeSeq)
		}
		query += ` ORDER BY seq DESC LIMIT ?`
	} else {
		if opts.AfterSeq > 0 {
			query += ` AND seq > ?`
			args = append(args, opts.AfterSeq)
		}
		query += ` ORDER BY seq ASC LIMIT ?`
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.AuthorID,
			&m.AuthorName, &m.Content, &m.Kind, &m.IdempotencyToken, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}

// UpsertParticipant inserts or refreshes a participant row. Rejoining
// clears left_at.
func (s *SQLiteStore) UpsertParticipant(ctx context.Context, p *Participant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (conversation_id, user_id, name, joined_at, left_at, last_seen)
		 VALUES (?, ?, ?, ?, NULL, ?)
		 ON CONFLICT (conversation_id, user_id) DO UPDATE SET
			name = excluded.name,
			left_at = NULL,
			last_seen = excluded.last_seen`,
		p.ConversationID, p.UserID, p.Name, p.JoinedAt, p.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("upserting participant: %w", err)
	}
	return nil
}

// MarkParticipantLeft records departure time for a participant.
func (s *SQLiteStore) MarkParticipantLeft(ctx context.Context, conversationID, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participants SET left_at = ?, last_seen = ? WHERE conversation_id = ? AND user_id = ?`,
		at, at, conversationID, userID)
	if err != nil {
		return fmt.Errorf("marking participant left: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListParticipants returns all participants of a conversation.
func (s *SQLiteStore) ListParticipants(ctx context.Context, conversationID string) ([]*Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, user_id, name, joined_at, left_at, last_seen
		 FROM participants WHERE conversation_id = ? ORDER BY joined_at`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		var p Participant
		var leftAt sql.NullTime
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Name, &p.JoinedAt, &leftAt, &p.LastSeen); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		if leftAt.Valid {
			t := leftAt.Time
			p.LeftAt = &t
		}
		participants = append(participants, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participants: %w", err)
	}
	return participants, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
