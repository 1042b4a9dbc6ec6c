// ABOUTME: Tests for the ingestion consumer
// ABOUTME: Covers persist-and-republish, silent drops, and loop survival on failure

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classhive/chat-gateway/internal/bus"
	"github.com/classhive/chat-gateway/internal/store"
)

const (
	testIngestChannel   = "chat.incoming"
	testOutboundChannel = "chat.messages"
)

type ingestFixture struct {
	consumer *Consumer
	bus      *bus.MemoryBus
	store    *store.SQLiteStore
	sender   int64
	convID   int64
}

func setupIngest(t *testing.T) *ingestFixture {
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

	b := bus.NewMemoryBus(nil)
	t.Cleanup(func() { b.Close() })

	return &ingestFixture{
		consumer: NewConsumer(b, NewPersistence(s, nil), testIngestChannel, testOutboundChannel, nil),
		bus:      b,
		store:    s,
		sender:   alice.ID,
		convID:   conv.ID,
	}
}

func (f *ingestFixture) rawPayload(content string) []byte {
	return []byte(fmt.Sprintf(`{"conversationId": %d, "senderId": %d, "content": %q}`, f.convID, f.sender, content))
}

func TestConsumer_ValidPayloadPersistsAndPublishes(t *testing.T) {
	f := setupIngest(t)
	ctx := context.Background()

	outbound, _ := f.bus.Subscribe(context.Background(), testOutboundChannel)

	f.consumer.handle(ctx, f.rawPayload("hi"))

	// One message row
	messages, err := f.store.ListMessages(ctx, f.convID, 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hi", messages[0].Content)
	assert.Equal(t, store.MessageTypeText, messages[0].MessageType)
	assert.Equal(t, f.sender, messages[0].SenderID)

	// Counter bumped by exactly one
	conv, err := f.store.GetConversation(ctx, f.convID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, conv.MessagesCount)

	// One outbound frame carrying the new message's id
	select {
	case raw := <-outbound:
		var frame Frame
		require.NoError(t, json.Unmarshal(raw, &frame))
		require.NotNil(t, frame.Message)
		assert.Equal(t, messages[0].ID, frame.Message.ID)
		assert.Equal(t, "hi", frame.Message.Content)
		assert.Equal(t, "Alice", frame.Message.Sender.Name)
		assert.Empty(t, frame.Origin, "ingested messages carry no origin socket")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
	}
}

func TestConsumer_InvalidPayloadsDroppedSilently(t *testing.T) {
	f := setupIngest(t)
	ctx := context.Background()

	outbound, _ := f.bus.Subscribe(context.Background(), testOutboundChannel)

	invalid := [][]byte{
		[]byte(`not json`),
		[]byte(`{"conversationId": 0, "senderId": 3, "content": "hi"}`),
		[]byte(`{"conversationId": 7, "senderId": -1, "content": "hi"}`),
		[]byte(fmt.Sprintf(`{"conversationId": %d, "senderId": %d}`, f.convID, f.sender)),
	}
	for _, raw := range invalid {
		f.consumer.handle(ctx, raw)
	}

	// Nothing persisted, nothing published
	messages, err := f.store.ListMessages(ctx, f.convID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)

	select {
	case raw := <-outbound:
		t.Fatalf("unexpected outbound frame: %s", raw)
	case <-time.After(50 * time.Millisecond):
		// Expected: nothing published
	}
}

func TestConsumer_PersistenceFailureDoesNotStopStream(t *testing.T) {
	f := setupIngest(t)
	ctx := context.Background()

	// Unknown conversation: persistence fails, message lost
	f.consumer.handle(ctx, []byte(fmt.Sprintf(`{"conversationId": 999, "senderId": %d, "content": "lost"}`, f.sender)))

	// The next payload still flows through
	f.consumer.handle(ctx, f.rawPayload("survives"))

	messages, err := f.store.ListMessages(ctx, f.convID, 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "survives", messages[0].Content)
}

func TestConsumer_RunProcessesBusPayloads(t *testing.T) {
	f := setupIngest(t)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.consumer.Run(runCtx)
		close(done)
	}()

	outbound, _ := f.bus.Subscribe(context.Background(), testOutboundChannel)

	// Wait for the consumer's subscription to be live before publishing
	require.Eventually(t, func() bool {
		return f.bus.Publish(context.Background(), testIngestChannel, f.rawPayload("over the bus")) == nil &&
			len(mustList(t, f.store, f.convID)) > 0
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case raw := <-outbound:
		var frame Frame
		require.NoError(t, json.Unmarshal(raw, &frame))
		assert.Equal(t, "over the bus", frame.Message.Content)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
	}

	cancel()
	select {
	case <-done:
		// Loop exited on cancellation
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop on context cancellation")
	}
}

func mustList(t *testing.T, s *store.SQLiteStore, convID int64) []*store.Message {
	t.Helper()
	messages, err := s.ListMessages(context.Background(), convID, 0, 0)
	require.NoError(t, err)
	return messages
}
