// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers conversation creation, participant idempotence, and atomic message appends

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// seedUser creates a user and returns its ID
func seedUser(t *testing.T, s *SQLiteStore, name string) int64 {
	t.Helper()
	user := &User{Name: name}
	require.NoError(t, s.CreateUser(context.Background(), user))
	return user.ID
}

// seedDirect creates a direct conversation between two users
func seedDirect(t *testing.T, s *SQLiteStore, owner, member int64) *Conversation {
	t.Helper()
	conv := &Conversation{Type: ConversationTypeDirect, CreatorID: owner}
	participants := []*Participant{
		{UserID: owner, Role: RoleOwner},
		{UserID: member, Role: RoleMember},
	}
	require.NoError(t, s.CreateConversation(context.Background(), conv, participants))
	return conv
}

func TestStore_CreateUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	user := &User{Name: "Alice"}
	require.NoError(t, s.CreateUser(ctx, user))
	assert.NotZero(t, user.ID)

	retrieved, err := s.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", retrieved.Name)
}

func TestStore_GetUser_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetUser(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CreateConversation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "Alice")
	bob := seedUser(t, s, "Bob")

	conv := seedDirect(t, s, alice, bob)
	assert.NotZero(t, conv.ID)

	retrieved, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, ConversationTypeDirect, retrieved.Type)
	assert.Equal(t, alice, retrieved.CreatorID)
	assert.EqualValues(t, 0, retrieved.MessagesCount)
	assert.Nil(t, retrieved.LastMessageAt)

	participants, err := s.ListParticipants(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, participants, 2)
}

func TestStore_FindDirectConversation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "Alice")
	bob := seedUser(t, s, "Bob")
	carol := seedUser(t, s, "Carol")

	conv := seedDirect(t, s, alice, bob)

	// Both orderings resolve to the same conversation
	found, err := s.FindDirectConversation(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, found.ID)

	found, err = s.FindDirectConversation(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, found.ID)

	// No conversation between alice and carol
	_, err = s.FindDirectConversation(ctx, alice, carol)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_FindDirectConversation_IgnoresGroups(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "Alice")
	bob := seedUser(t, s, "Bob")

	conv := &Conversation{Type: ConversationTypeGroup, Title: "Homework", CreatorID: alice}
	participants := []*Participant{
		{UserID: alice, Role: RoleOwner},
		{UserID: bob, Role: RoleMember},
	}
	require.NoError(t, s.CreateConversation(ctx, conv, participants))

	_, err := s.FindDirectConversation(ctx, alice, bob)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AddParticipants_Idempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "Alice")
	bob := seedUser(t, s, "Bob")
	carol := seedUser(t, s, "Carol")

	conv := seedDirect(t, s, alice, bob)

	// Overlapping sets across two calls must not create duplicates
	err := s.AddParticipants(ctx, conv.ID, []*Participant{
		{UserID: bob}, {UserID: carol},
	})
	require.NoError(t, err)

	err = s.AddParticipants(ctx, conv.ID, []*Participant{
		{UserID: carol},
	})
	require.NoError(t, err)

	participants, err := s.ListParticipants(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, participants, 3)

	// Bob's original role survives the upsert
	for _, p := range participants {
		if p.UserID == bob {
			assert.Equal(t, RoleMember, p.Role)
		}
	}
}

func TestStore_RemoveParticipant(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "Alice")
	bob := seedUser(t, s, "Bob")

	conv := seedDirect(t, s, alice, bob)

	require.NoError(t, s.RemoveParticipant(ctx, conv.ID, bob))

	isMember, err := s.IsParticipant(ctx, conv.ID, bob)
	require.NoError(t, err)
	assert.False(t, isMember)

	// Removing a non-member is a no-op, not an error
	require.NoError(t, s.RemoveParticipant(ctx, conv.ID, bob))
}

func TestStore_IsOwner(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "Alice")
	bob := seedUser(t, s, "Bob")

	conv := seedDirect(t, s, alice, bob)

	isOwner, err := s.IsOwner(ctx, conv.ID, alice)
	require.NoError(t, err)
	assert.True(t, isOwner)

	isOwner, err = s.IsOwner(ctx, conv.ID, bob)
	require.NoError(t, err)
	assert.False(t, isOwner)
}

func TestStore_AppendMessage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "Alice")
	bob := seedUser(t, s, "Bob")
	conv := seedDirect(t, s, alice, bob)

	msg := &Message{
		ConversationID: conv.ID,
		SenderID:       alice,
		Content:        "hi",
	}
	require.NoError(t, s.AppendMessage(ctx, msg))

	assert.NotZero(t, msg.ID)
	assert.Equal(t, "Alice", msg.SenderName)
	assert.Equal(t, MessageTypeText, msg.MessageType, "message type defaults to text")
	assert.False(t, msg.CreatedAt.IsZero())

	// Counters are updated atomically with the insert
	retrieved, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, retrieved.MessagesCount)
	require.NotNil(t, retrieved.LastMessageAt)
	assert.WithinDuration(t, msg.CreatedAt, *retrieved.LastMessageAt, time.Second)
}

func TestStore_AppendMessage_CountMatchesRows(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "Alice")
	bob := seedUser(t, s, "Bob")
	conv := seedDirect(t, s, alice, bob)

	for i := 0; i < 5; i++ {
		msg := &Message{ConversationID: conv.ID, SenderID: alice, Content: "msg"}
		require.NoError(t, s.AppendMessage(ctx, msg))
	}

	retrieved, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, retrieved.MessagesCount)

	messages, err := s.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 5)
}

func TestStore_AppendMessage_UnknownConversation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "Alice")

	msg := &Message{ConversationID: 999, SenderID: alice, Content: "hi"}
	err := s.AppendMessage(ctx, msg)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AppendMessage_UnknownSender(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "Alice")
	bob := seedUser(t, s, "Bob")
	conv := seedDirect(t, s, alice, bob)

	msg := &Message{ConversationID: conv.ID, SenderID: 999, Content: "hi"}
	err := s.AppendMessage(ctx, msg)
	assert.ErrorIs(t, err, ErrNotFound)

	// Nothing committed: counters unchanged
	retrieved, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, retrieved.MessagesCount)
}

func TestStore_ListMessages_Paging(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "Alice")
	bob := seedUser(t, s, "Bob")
	conv := seedDirect(t, s, alice, bob)

	var ids []int64
	for i := 0; i < 4; i++ {
		msg := &Message{ConversationID: conv.ID, SenderID: alice, Content: "msg"}
		require.NoError(t, s.AppendMessage(ctx, msg))
		ids = append(ids, msg.ID)
	}

	// Newest first
	page, err := s.ListMessages(ctx, conv.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)

	// Page older than the last seen ID
	page, err = s.ListMessages(ctx, conv.ID, 2, page[1].ID)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)
	assert.Equal(t, ids[0], page[1].ID)
}
