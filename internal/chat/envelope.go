// ABOUTME: Canonical message envelope and inbound payload schema for the chat pipeline
// ABOUTME: Strict validation of raw ingestion payloads via go-playground/validator

package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/classhive/chat-gateway/internal/store"
)

// Sender is the public identity embedded in every envelope
type Sender struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Envelope is the canonical message representation: it is both the result of
// a persisted append and the payload broadcast to sockets.
type Envelope struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Sender         Sender    `json:"sender"`
	Content        string    `json:"content,omitempty"`
	MessageType    string    `json:"message_type"`
	FileURL        string    `json:"file_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewEnvelope builds an envelope from a message hydrated by the store
func NewEnvelope(msg *store.Message) *Envelope {
	return &Envelope{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Sender:         Sender{ID: msg.SenderID, Name: msg.SenderName},
		Content:        msg.Content,
		MessageType:    msg.MessageType,
		FileURL:        msg.FileURL,
		CreatedAt:      msg.CreatedAt,
	}
}

// Frame wraps an envelope on the outbound bus channel. Origin carries the
// socket ID that produced the message through the gateway's send path, so the
// delivering gateway can skip the socket that already got a local echo.
// Clients always receive the bare envelope.
type Frame struct {
	Origin  string    `json:"origin,omitempty"`
	Message *Envelope `json:"message"`
}

// InboundPayload is the raw ingestion record published by external producers.
// Field names follow the producer contract: camelCase ids, snake_case rest.
type InboundPayload struct {
	ConversationID int64  `json:"conversationId" validate:"required,gt=0"`
	SenderID       int64  `json:"senderId" validate:"required,gt=0"`
	Content        string `json:"content" validate:"required_without=FileURL"`
	MessageType    string `json:"message_type" validate:"omitempty,oneof=text image file"`
	FileURL        string `json:"file_url"`
}

var validate = validator.New()

// DecodeInbound parses and validates a raw ingestion payload. A payload that
// fails to decode, names a non-positive conversation or sender, carries an
// unknown message type, or has neither content nor file_url is rejected.
// message_type defaults to "text" when absent.
func DecodeInbound(data []byte) (*InboundPayload, error) {
	var payload InboundPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	if err := validate.Struct(&payload); err != nil {
		return nil, fmt.Errorf("validating payload: %w", err)
	}

	if payload.MessageType == "" {
		payload.MessageType = store.MessageTypeText
	}

	return &payload, nil
}
