// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/participant/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
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
// Note: there is deliberately no unique index on the direct-conversation pair;
// concurrent first contact between the same two users can create duplicates.
// See DESIGN.md before adding one.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			creator_id INTEGER NOT NULL,
			last_message_at DATETIME,
			messages_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,

			CHECK (type IN ('direct', 'group', 'class'))
		);

		CREATE TABLE IF NOT EXISTS participants (
			conversation_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			joined_at DATETIME NOT NULL,

			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (role IN ('owner', 'member'))
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user
			ON participants(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			sender_id INTEGER NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			message_type TEXT NOT NULL DEFAULT 'text',
			file_url TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (message_type IN ('text', 'image', 'file'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}

	return nil
}

// CreateUser inserts a user and fills in the generated ID
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (name, created_at) VALUES (?, ?)",
		user.Name, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}

	user.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading user id: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM users WHERE id = ?", id).
		Scan(&user.ID, &user.Name, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &user, nil
}

// CreateConversation inserts the conversation and its participant rows in one
// transaction and fills in the generated conversation ID.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation, participants []*Participant) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO conversations (type, title, creator_id, messages_count, created_at) VALUES (?, ?, ?, 0, ?)",
		conv.Type, conv.Title, conv.CreatorID, conv.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	conv.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading conversation id: %w", err)
	}

	for _, p := range participants {
		p.ConversationID = conv.ID
		if p.JoinedAt.IsZero() {
			p.JoinedAt = conv.CreatedAt
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO participants (conversation_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)",
			p.ConversationID, p.UserID, p.Role, p.JoinedAt); err != nil {
			return fmt.Errorf("inserting participant %d: %w", p.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("conversation created",
		"conversation_id", conv.ID,
		"type", conv.Type,
		"participants", len(participants))
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx,
		"SELECT id, type, title, creator_id, last_message_at, messages_count, created_at FROM conversations WHERE id = ?",
		id))
}

// FindDirectConversation returns the direct conversation whose participant set
// is exactly {userA, userB}, or ErrNotFound. Direct conversations hold exactly
// two participants by construction, so joining both memberships is sufficient.
func (s *SQLiteStore) FindDirectConversation(ctx context.Context, userA, userB int64) (*Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx, `
		SELECT c.id, c.type, c.title, c.creator_id, c.last_message_at, c.messages_count, c.created_at
		FROM conversations c
		JOIN participants pa ON pa.conversation_id = c.id AND pa.user_id = ?
		JOIN participants pb ON pb.conversation_id = c.id AND pb.user_id = ?
		WHERE c.type = 'direct'
		ORDER BY c.id
		LIMIT 1
	`, userA, userB))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var lastMessageAt sql.NullTime
	err := row.Scan(&conv.ID, &conv.Type, &conv.Title, &conv.CreatorID,
		&lastMessageAt, &conv.MessagesCount, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	if lastMessageAt.Valid {
		t := lastMessageAt.Time
		conv.LastMessageAt = &t
	}
	return &conv, nil
}

// AddParticipants upserts membership rows keyed on (conversation_id, user_id).
// Existing rows are left untouched, so repeated calls with overlapping sets
// never create duplicates.
func (s *SQLiteStore) AddParticipants(ctx context.Context, conversationID int64, participants []*Participant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, p := range participants {
		p.ConversationID = conversationID
		if p.JoinedAt.IsZero() {
			p.JoinedAt = now
		}
		if p.Role == "" {
			p.Role = RoleMember
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participants (conversation_id, user_id, role, joined_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (conversation_id, user_id) DO NOTHING
		`, p.ConversationID, p.UserID, p.Role, p.JoinedAt); err != nil {
			return fmt.Errorf("upserting participant %d: %w", p.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing participants: %w", err)
	}
	return nil
}

// RemoveParticipant deletes a membership row. Removing a non-member is a no-op.
func (s *SQLiteStore) RemoveParticipant(ctx context.Context, conversationID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM participants WHERE conversation_id = ? AND user_id = ?",
		conversationID, userID)
	if err != nil {
		return fmt.Errorf("deleting participant: %w", err)
	}
	return nil
}

// IsParticipant reports whether the user is currently a member of the conversation
func (s *SQLiteStore) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM participants WHERE conversation_id = ? AND user_id = ?",
		conversationID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying participant: %w", err)
	}
	return true, nil
}

// IsOwner reports whether the user holds the owner role in the conversation
func (s *SQLiteStore) IsOwner(ctx context.Context, conversationID, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM participants WHERE conversation_id = ? AND user_id = ? AND role = 'owner'",
		conversationID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying owner: %w", err)
	}
	return true, nil
}

// ListParticipants returns all membership rows for a conversation
func (s *SQLiteStore) ListParticipants(ctx context.Context, conversationID int64) ([]*Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT conversation_id, user_id, role, joined_at FROM participants WHERE conversation_id = ? ORDER BY joined_at, user_id",
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
// counters in one transaction. Both writes commit or neither does, so
// messages_count never drifts from the true row count through this path.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.MessageType == "" {
		msg.MessageType = MessageTypeText
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Hydrate the sender's public identity for the envelope
	err = tx.QueryRowContext(ctx,
		"SELECT name FROM users WHERE id = ?", msg.SenderID).Scan(&msg.SenderName)
	if err == sql.ErrNoRows {
		return fmt.Errorf("looking up sender %d: %w", msg.SenderID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("looking up sender: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO messages (conversation_id, sender_id, content, message_type, file_url, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ConversationID, msg.SenderID, msg.Content, msg.MessageType, msg.FileURL, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	msg.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message id: %w", err)
	}

	upd, err := tx.ExecContext(ctx,
		"UPDATE conversations SET messages_count = messages_count + 1, last_message_at = ? WHERE id = ?",
		msg.CreatedAt, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("updating conversation counters: %w", err)
	}
	affected, err := upd.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("conversation %d: %w", msg.ConversationID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("message appended",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"sender_id", msg.SenderID)
	return nil
}

// ListMessages returns up to limit messages ordered newest first. A beforeID
// greater than zero restricts the page to messages older than that ID.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID int64, limit int, beforeID int64) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT m.id, m.conversation_id, m.sender_id, COALESCE(u.name, ''), m.content, m.message_type, m.file_url, m.created_at
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ?`
	args := []any{conversationID}
	if beforeID > 0 {
		query += " AND m.id < ?"
		args = append(args, beforeID)
	}
	query += " ORDER BY m.created_at DESC, m.id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
