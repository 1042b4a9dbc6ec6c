// ABOUTME: Store interface and data types for chat-gateway persistence
// ABOUTME: Defines User, Conversation, Participant, Message and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrNotParticipant is returned when a user is not a member of a conversation
var ErrNotParticipant = errors.New("not a participant")

// Conversation types
const (
	ConversationTypeDirect = "direct"
	ConversationTypeGroup  = "group"
	ConversationTypeClass  = "class"
)

// Participant roles
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

// Message types
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
)

// User is the public identity attached to messages and participants
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is an addressable thread with a participant set.
// MessagesCount and LastMessageAt are maintained atomically with message
// appends and never updated through any other path.
type Conversation struct {
	ID            int64      `json:"id"`
	Type          string     `json:"type"` // "direct", "group", "class"
	Title         string     `json:"title,omitempty"` // empty for direct conversations
	CreatorID     int64      `json:"creator_id"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"` // nil until the first message
	MessagesCount int64      `json:"messages_count"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Participant is a user's membership record in a conversation
type Participant struct {
	ConversationID int64     `json:"conversation_id"`
	UserID         int64     `json:"user_id"`
	Role           string    `json:"role"` // "owner" or "member"
	JoinedAt       time.Time `json:"joined_at"`
}

// Message is a single immutable chat message. Content or FileURL is always
// present; both empty is rejected before this layer.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	SenderName     string // hydrated on append and list
	Content        string
	MessageType    string // "text", "image", "file"
	FileURL        string
	CreatedAt      time.Time
}

// Store defines the persistence boundary for the chat pipeline.
// Implementations must provide atomic transactions: CreateConversation and
// AppendMessage commit all of their writes or none of them.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id int64) (*User, error)

	// Conversations
	// CreateConversation inserts the conversation and all participant rows in
	// one transaction and fills in the generated conversation ID.
	CreateConversation(ctx context.Context, conv *Conversation, participants []*Participant) error
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	// FindDirectConversation returns the direct conversation whose participant
	// set is exactly {userA, userB}, or ErrNotFound.
	FindDirectConversation(ctx context.Context, userA, userB int64) (*Conversation, error)

	// Participants
	// AddParticipants upserts on (conversation_id, user_id); existing rows are
	// left untouched so repeated calls never create duplicates.
	AddParticipants(ctx context.Context, conversationID int64, participants []*Participant) error
	// RemoveParticipant deletes the membership row; removing a non-member is a
	// no-op, not an error.
	RemoveParticipant(ctx context.Context, conversationID, userID int64) error
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
	IsOwner(ctx context.Context, conversationID, userID int64) (bool, error)
	ListParticipants(ctx context.Context, conversationID int64) ([]*Participant, error)

	// Messages
	// AppendMessage inserts the message row and updates the owning
	// conversation's messages_count and last_message_at in one transaction.
	// The returned message carries the generated ID, the final CreatedAt and
	// the sender's name.
	AppendMessage(ctx context.Context, msg *Message) error
	// ListMessages returns up to limit messages for a conversation ordered by
	// (created_at, id) descending. A beforeID > 0 restricts the page to
	// messages older than that ID; this is the durable reconcile path for
	// clients that missed real-time events.
	ListMessages(ctx context.Context, conversationID int64, limit int, beforeID int64) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
