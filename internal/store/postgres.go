// ABOUTME: Postgres implementation of the Store interface using pgx/v5 pgxpool
// ABOUTME: Same semantics as the SQLite store, intended for multi-instance deployments

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface using a pgx connection pool
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to Postgres with the given DSN and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger,
	}

	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized")
	return s, nil
}

// createSchema creates the tables if they don't exist. As with the SQLite
// store, the direct-conversation pair carries no unique index; see DESIGN.md.
func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id BIGSERIAL PRIMARY KEY,
			type TEXT NOT NULL CHECK (type IN ('direct', 'group', 'class')),
			title TEXT NOT NULL DEFAULT '',
			creator_id BIGINT NOT NULL,
			last_message_at TIMESTAMPTZ,
			messages_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS participants (
			conversation_id BIGINT NOT NULL REFERENCES conversations(id),
			user_id BIGINT NOT NULL,
			role TEXT NOT NULL DEFAULT 'member' CHECK (role IN ('owner', 'member')),
			joined_at TIMESTAMPTZ NOT NULL,

			PRIMARY KEY (conversation_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user
			ON participants(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			conversation_id BIGINT NOT NULL REFERENCES conversations(id),
			sender_id BIGINT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			message_type TEXT NOT NULL DEFAULT 'text' CHECK (message_type IN ('text', 'image', 'file')),
			file_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);
	`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateUser inserts a user and fills in the generated ID
func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	err := s.pool.QueryRow(ctx,
		"INSERT INTO users (name, created_at) VALUES ($1, $2) RETURNING id",
		user.Name, user.CreatedAt).Scan(&user.ID)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*User, error) {
	var user User
	err := s.pool.QueryRow(ctx,
		"SELECT id, name, created_at FROM users WHERE id = $1", id).
		Scan(&user.ID, &user.Name, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &user, nil
}

// CreateConversation inserts the conversation and its participant rows in one
// transaction and fills in the generated conversation ID.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *Conversation, participants []*Participant) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		"INSERT INTO conversations (type, title, creator_id, messages_count, created_at) VALUES ($1, $2, $3, 0, $4) RETURNING id",
		conv.Type, conv.Title, conv.CreatorID, conv.CreatedAt).Scan(&conv.ID)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for _, p := range participants {
		p.ConversationID = conv.ID
		if p.JoinedAt.IsZero() {
			p.JoinedAt = conv.CreatedAt
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO participants (conversation_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)",
			p.ConversationID, p.UserID, p.Role, p.JoinedAt); err != nil {
			return fmt.Errorf("inserting participant %d: %w", p.UserID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("conversation created",
		"conversation_id", conv.ID,
		"type", conv.Type,
		"participants", len(participants))
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *PostgresStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	conv, err := scanPgConversation(s.pool.QueryRow(ctx,
		"SELECT id, type, title, creator_id, last_message_at, messages_count, created_at FROM conversations WHERE id = $1",
		id))
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// FindDirectConversation returns the direct conversation whose participant set
// is exactly {userA, userB}, or ErrNotFound.
func (s *PostgresStore) FindDirectConversation(ctx context.Context, userA, userB int64) (*Conversation, error) {
	return scanPgConversation(s.pool.QueryRow(ctx, `
		SELECT c.id, c.type, c.title, c.creator_id, c.last_message_at, c.messages_count, c.created_at
		FROM conversations c
		JOIN participants pa ON pa.conversation_id = c.id AND pa.user_id = $1
		JOIN participants pb ON pb.conversation_id = c.id AND pb.user_id = $2
		WHERE c.type = 'direct'
		ORDER BY c.id
		LIMIT 1
	`, userA, userB))
}

func scanPgConversation(row pgx.Row) (*Conversation, error) {
	var conv Conversation
	err := row.Scan(&conv.ID, &conv.Type, &conv.Title, &conv.CreatorID,
		&conv.LastMessageAt, &conv.MessagesCount, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	return &conv, nil
}

// AddParticipants upserts membership rows keyed on (conversation_id, user_id)
func (s *PostgresStore) AddParticipants(ctx context.Context, conversationID int64, participants []*Participant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, p := range participants {
		p.ConversationID = conversationID
		if p.JoinedAt.IsZero() {
			p.JoinedAt = now
		}
		if p.Role == "" {
			p.Role = RoleMember
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO participants (conversation_id, user_id, role, joined_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (conversation_id, user_id) DO NOTHING
		`, p.ConversationID, p.UserID, p.Role, p.JoinedAt); err != nil {
			return fmt.Errorf("upserting participant %d: %w", p.UserID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing participants: %w", err)
	}
	return nil
}

// RemoveParticipant deletes a membership row. Removing a non-member is a no-op.
func (s *PostgresStore) RemoveParticipant(ctx context.Context, conversationID, userID int64) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM participants WHERE conversation_id = $1 AND user_id = $2",
		conversationID, userID)
	if err != nil {
		return fmt.Errorf("deleting participant: %w", err)
	}
	return nil
}

// IsParticipant reports whether the user is currently a member of the conversation
func (s *PostgresStore) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		"SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2",
		conversationID, userID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying participant: %w", err)
	}
	return true, nil
}

// IsOwner reports whether the user holds the owner role in the conversation
func (s *PostgresStore) IsOwner(ctx context.Context, conversationID, userID int64) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		"SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2 AND role = 'owner'",
		conversationID, userID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying owner: %w", err)
	}
	return true, nil
}

// ListParticipants returns all membership rows for a conversation
func (s *PostgresStore) ListParticipants(ctx context.Context, conversationID int64) ([]*Participant, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT conversation_id, user_id, role, joined_at FROM participants WHERE conversation_id = $1 ORDER BY joined_at, user_id",
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Role, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		participants = append(participants, &p)
	}
	return participants, rows.Err()
}

// AppendMessage inserts the message row and bumps the owning conversation's
// counters in one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.MessageType == "" {
		msg.MessageType = MessageTypeText
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		"SELECT name FROM users WHERE id = $1", msg.SenderID).Scan(&msg.SenderName)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("looking up sender %d: %w", msg.SenderID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("looking up sender: %w", err)
	}

	err = tx.QueryRow(ctx,
		"INSERT INTO messages (conversation_id, sender_id, content, message_type, file_url, created_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id",
		msg.ConversationID, msg.SenderID, msg.Content, msg.MessageType, msg.FileURL, msg.CreatedAt).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	tag, err := tx.Exec(ctx,
		"UPDATE conversations SET messages_count = messages_count + 1, last_message_at = $1 WHERE id = $2",
		msg.CreatedAt, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("updating conversation counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %d: %w", msg.ConversationID, ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("message appended",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"sender_id", msg.SenderID)
	return nil
}

// ListMessages returns up to limit messages ordered newest first
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID int64, limit int, beforeID int64) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT m.id, m.conversation_id, m.sender_id, COALESCE(u.name, ''), m.content, m.message_type, m.file_url, m.created_at
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = $1`
	args := []any{conversationID}
	if beforeID > 0 {
		query += fmt.Sprintf(" AND m.id < $%d", len(args)+1)
		args = append(args, beforeID)
	}
	query += fmt.Sprintf(" ORDER BY m.created_at DESC, m.id DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName,
			&m.Content, &m.MessageType, &m.FileURL, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
