// ABOUTME: Tests for MessagePersistence
// ABOUTME: Covers envelope hydration, content/file_url invariant, and type validation

package chat

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classhive/chat-gateway/internal/store"
)

func setupPersistence(t *testing.T) (*Persistence, *store.SQLiteStore, int64, int64) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	alice := &store.User{Name: "Alice"}
	require.NoError(t, s.CreateUser(ctx, alice))
	bob := &store.User{Name: "Bob"}
	require.NoError(t, s.CreateUser(ctx, bob))

	conv := &store.Conversation{Type: store.ConversationTypeDirect, CreatorID: alice.ID}
	require.NoError(t, s.CreateConversation(ctx, conv, []*store.Participant{
		{UserID: alice.ID, Role: store.RoleOwner},
		{UserID: bob.ID, Role: store.RoleMember},
	}))

	return NewPersistence(s, nil), s, alice.ID, conv.ID
}

func TestPersistence_Append(t *testing.T) {
	p, s, alice, convID := setupPersistence(t)
	ctx := context.Background()

	env, err := p.Append(ctx, convID, alice, AppendPayload{Content: "hi"})
	require.NoError(t, err)

	assert.NotZero(t, env.ID)
	assert.Equal(t, convID, env.ConversationID)
	assert.Equal(t, alice, env.Sender.ID)
	assert.Equal(t, "Alice", env.Sender.Name)
	assert.Equal(t, "hi", env.Content)
	assert.Equal(t, store.MessageTypeText, env.MessageType)
	assert.False(t, env.CreatedAt.IsZero())

	conv, err := s.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, conv.MessagesCount)
	require.NotNil(t, conv.LastMessageAt)
	assert.Equal(t, env.CreatedAt.Unix(), conv.LastMessageAt.Unix())
}

func TestPersistence_Append_EmptyMessage(t *testing.T) {
	p, _, alice, convID := setupPersistence(t)

	_, err := p.Append(context.Background(), convID, alice, AppendPayload{})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestPersistence_Append_InvalidType(t *testing.T) {
	p, _, alice, convID := setupPersistence(t)

	_, err := p.Append(context.Background(), convID, alice, AppendPayload{
		Content:     "hi",
		MessageType: "video",
	})
	assert.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestPersistence_Append_FileMessage(t *testing.T) {
	p, _, alice, convID := setupPersistence(t)

	env, err := p.Append(context.Background(), convID, alice, AppendPayload{
		MessageType: store.MessageTypeFile,
		FileURL:     "https://cdn/report.pdf",
	})
	require.NoError(t, err)
	assert.Empty(t, env.Content)
	assert.Equal(t, "https://cdn/report.pdf", env.FileURL)
}

func TestPersistence_Append_StoreErrorPropagates(t *testing.T) {
	p, _, alice, _ := setupPersistence(t)

	_, err := p.Append(context.Background(), 999, alice, AppendPayload{Content: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
