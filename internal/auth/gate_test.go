// ABOUTME: Tests for the channel authorization gate
// ABOUTME: Covers personal, session, and conversation channel rules

package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// fakeChecker is a ParticipantChecker with a fixed membership table
type fakeChecker struct {
	members map[[2]int64]bool // (conversationID, userID) -> member
	err     error
	calls   int
}

func (f *fakeChecker) IsParticipant(_ context.Context, conversationID, userID int64) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.members[[2]int64{conversationID, userID}], nil
}

func TestGate_UserChannel(t *testing.T) {
	g := NewGate(&fakeChecker{}, nil)
	ctx := context.Background()
	principal := &Principal{UserID: 42}

	assert.True(t, g.Allows(ctx, principal, "user.42"))
	assert.False(t, g.Allows(ctx, principal, "user.43"))
	assert.False(t, g.Allows(ctx, principal, "user.abc"))
	assert.False(t, g.Allows(ctx, principal, "user."))
}

func TestGate_SessionChannel(t *testing.T) {
	g := NewGate(&fakeChecker{}, nil)
	ctx := context.Background()

	principal := &Principal{UserID: 42, SessionID: "sess-9"}
	assert.True(t, g.Allows(ctx, principal, "session.sess-9"))
	assert.False(t, g.Allows(ctx, principal, "session.sess-8"))

	// A principal with no session owns no session channel
	noSession := &Principal{UserID: 42}
	assert.False(t, g.Allows(ctx, noSession, "session.sess-9"))
}

func TestGate_ConversationChannel(t *testing.T) {
	checker := &fakeChecker{members: map[[2]int64]bool{
		{42, 3}: true,
	}}
	g := NewGate(checker, nil)
	ctx := context.Background()

	member := &Principal{UserID: 3}
	assert.True(t, g.Allows(ctx, member, "conversation.42"))

	// A valid credential alone is not enough: non-participants are denied
	outsider := &Principal{UserID: 4}
	assert.False(t, g.Allows(ctx, outsider, "conversation.42"))
}

func TestGate_ConversationChannel_QueriedFresh(t *testing.T) {
	checker := &fakeChecker{members: map[[2]int64]bool{
		{42, 3}: true,
	}}
	g := NewGate(checker, nil)
	ctx := context.Background()
	principal := &Principal{UserID: 3}

	assert.True(t, g.Allows(ctx, principal, "conversation.42"))

	// Membership revoked between attempts takes effect immediately
	checker.members[[2]int64{42, 3}] = false
	assert.False(t, g.Allows(ctx, principal, "conversation.42"))

	assert.Equal(t, 2, checker.calls, "membership queried on every attempt")
}

func TestGate_ConversationChannel_StoreErrorDenies(t *testing.T) {
	g := NewGate(&fakeChecker{err: errors.New("db down")}, nil)

	principal := &Principal{UserID: 3}
	assert.False(t, g.Allows(context.Background(), principal, "conversation.42"))
}

func TestGate_UnknownShapes(t *testing.T) {
	g := NewGate(&fakeChecker{}, nil)
	ctx := context.Background()
	principal := &Principal{UserID: 42, SessionID: "sess-9"}

	assert.False(t, g.Allows(ctx, principal, ""))
	assert.False(t, g.Allows(ctx, principal, "user"))
	assert.False(t, g.Allows(ctx, principal, "presence.42"))
	assert.False(t, g.Allows(ctx, principal, "conversation.-1"))
	assert.False(t, g.Allows(ctx, nil, "user.42"))
}
