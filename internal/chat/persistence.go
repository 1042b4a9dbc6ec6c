// ABOUTME: MessagePersistence appends messages and maintains conversation counters
// ABOUTME: All message writes flow through here - the store transaction is the atomicity boundary

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/classhive/chat-gateway/internal/store"
)

// ErrEmptyMessage is returned when a message carries neither content nor a file URL
var ErrEmptyMessage = errors.New("message requires content or file_url")

// ErrInvalidMessageType is returned for message types outside text/image/file
var ErrInvalidMessageType = errors.New("invalid message type")

// AppendPayload is the caller-supplied part of a message
type AppendPayload struct {
	Content     string
	MessageType string
	FileURL     string
}

// AppendStore defines what MessagePersistence needs from storage
type AppendStore interface {
	AppendMessage(ctx context.Context, msg *store.Message) error
}

// Persistence appends messages through the store's atomic transaction and
// returns the canonical envelope for downstream fan-out.
type Persistence struct {
	store  AppendStore
	logger *slog.Logger
}

// NewPersistence creates a MessagePersistence. Pass nil logger for default.
func NewPersistence(s AppendStore, logger *slog.Logger) *Persistence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persistence{
		store:  s,
		logger: logger.With("component", "persistence"),
	}
}

// Append inserts the message and updates the owning conversation's counters
// in one transaction; both writes commit or neither does. The returned
// envelope carries the generated ID, timestamp, and the sender's identity.
func (p *Persistence) Append(ctx context.Context, conversationID, senderID int64, payload AppendPayload) (*Envelope, error) {
	if payload.Content == "" && payload.FileURL == "" {
		return nil, ErrEmptyMessage
	}

	messageType := payload.MessageType
	if messageType == "" {
		messageType = store.MessageTypeText
	}
	switch messageType {
	case store.MessageTypeText, store.MessageTypeImage, store.MessageTypeFile:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMessageType, messageType)
	}

	msg := &store.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        payload.Content,
		MessageType:    messageType,
		FileURL:        payload.FileURL,
	}
	if err := p.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}

	p.logger.Debug("message persisted",
		"message_id", msg.ID,
		"conversation_id", conversationID,
		"sender_id", senderID)

	return NewEnvelope(msg), nil
}
