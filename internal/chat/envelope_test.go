// ABOUTME: Tests for inbound payload decoding and validation
// ABOUTME: Covers the strict schema - required ids, content/file_url presence, type default

package chat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classhive/chat-gateway/internal/store"
)

func TestDecodeInbound_Valid(t *testing.T) {
	payload, err := DecodeInbound([]byte(`{"conversationId": 7, "senderId": 3, "content": "hi"}`))
	require.NoError(t, err)

	assert.EqualValues(t, 7, payload.ConversationID)
	assert.EqualValues(t, 3, payload.SenderID)
	assert.Equal(t, "hi", payload.Content)
	assert.Equal(t, "text", payload.MessageType, "message_type defaults to text")
}

func TestDecodeInbound_FileOnly(t *testing.T) {
	payload, err := DecodeInbound([]byte(`{"conversationId": 7, "senderId": 3, "message_type": "image", "file_url": "https://cdn/img.png"}`))
	require.NoError(t, err)

	assert.Empty(t, payload.Content)
	assert.Equal(t, "image", payload.MessageType)
	assert.Equal(t, "https://cdn/img.png", payload.FileURL)
}

func TestDecodeInbound_Rejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"missing conversation", `{"senderId": 3, "content": "hi"}`},
		{"zero conversation", `{"conversationId": 0, "senderId": 3, "content": "hi"}`},
		{"negative conversation", `{"conversationId": -1, "senderId": 3, "content": "hi"}`},
		{"missing sender", `{"conversationId": 7, "content": "hi"}`},
		{"negative sender", `{"conversationId": 7, "senderId": -2, "content": "hi"}`},
		{"no content or file", `{"conversationId": 7, "senderId": 3}`},
		{"unknown message type", `{"conversationId": 7, "senderId": 3, "content": "hi", "message_type": "video"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestEnvelope_JSONShape(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	env := NewEnvelope(&store.Message{
		ID:             41,
		ConversationID: 7,
		SenderID:       3,
		SenderName:     "Alice",
		Content:        "hi",
		MessageType:    store.MessageTypeText,
		CreatedAt:      created,
	})

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.EqualValues(t, 41, decoded["id"])
	assert.EqualValues(t, 7, decoded["conversation_id"])
	assert.Equal(t, "hi", decoded["content"])
	assert.Equal(t, "text", decoded["message_type"])
	assert.NotContains(t, decoded, "file_url", "empty file_url is omitted")

	sender, ok := decoded["sender"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, sender["id"])
	assert.Equal(t, "Alice", sender["name"])
}

func TestFrame_OriginOmittedWhenEmpty(t *testing.T) {
	frame := &Frame{Message: NewEnvelope(&store.Message{ID: 1, MessageType: "text"})}
	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NotContains(t, decoded, "origin")
	assert.Contains(t, decoded, "message")
}
