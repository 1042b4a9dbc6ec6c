// ABOUTME: ConversationDirectory owns conversation and participant records
// ABOUTME: Find-or-create for direct pairs, group creation, idempotent membership mutation

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/classhive/chat-gateway/internal/store"
)

// ErrInvalidUser is returned for non-positive user IDs
var ErrInvalidUser = errors.New("invalid user id")

// ErrSelfConversation is returned when a direct conversation names the same user twice
var ErrSelfConversation = errors.New("direct conversation requires two distinct users")

// ErrDirectMembershipFixed is returned when adding participants to a direct
// conversation, whose participant set is exactly the original pair
var ErrDirectMembershipFixed = errors.New("direct conversations have a fixed participant pair")

// DirectoryStore defines what the directory needs from storage
type DirectoryStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation, participants []*store.Participant) error
	GetConversation(ctx context.Context, id int64) (*store.Conversation, error)
	FindDirectConversation(ctx context.Context, userA, userB int64) (*store.Conversation, error)
	AddParticipants(ctx context.Context, conversationID int64, participants []*store.Participant) error
	RemoveParticipant(ctx context.Context, conversationID, userID int64) error
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
	IsOwner(ctx context.Context, conversationID, userID int64) (bool, error)
}

// Directory is the conversation/participant directory. It is the only
// component that creates or removes membership records; a conversation's
// participant set is the authorization boundary for channel access.
type Directory struct {
	store  DirectoryStore
	logger *slog.Logger
}

// NewDirectory creates a Directory. Pass nil logger for default.
func NewDirectory(s DirectoryStore, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		store:  s,
		logger: logger.With("component", "directory"),
	}
}

// FindOrCreateDirect returns the direct conversation between the two users,
// creating it on first contact. The pair is canonicalized so the call is
// commutative; the initiating user gets the owner role on creation.
//
// Known race: two concurrent first contacts between the same pair can both
// observe "not found" and create two conversations. The schema carries no
// uniqueness constraint on the pair; see DESIGN.md.
func (d *Directory) FindOrCreateDirect(ctx context.Context, initiatorID, otherID int64) (*store.Conversation, error) {
	if initiatorID <= 0 || otherID <= 0 {
		return nil, ErrInvalidUser
	}
	if initiatorID == otherID {
		return nil, ErrSelfConversation
	}

	a, b := initiatorID, otherID
	if a > b {
		a, b = b, a
	}

	conv, err := d.store.FindDirectConversation(ctx, a, b)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("finding direct conversation: %w", err)
	}

	conv = &store.Conversation{
		Type:      store.ConversationTypeDirect,
		CreatorID: initiatorID,
	}
	participants := []*store.Participant{
		{UserID: initiatorID, Role: store.RoleOwner},
		{UserID: otherID, Role: store.RoleMember},
	}
	if err := d.store.CreateConversation(ctx, conv, participants); err != nil {
		return nil, fmt.Errorf("creating direct conversation: %w", err)
	}

	d.logger.Debug("direct conversation created",
		"conversation_id", conv.ID,
		"initiator_id", initiatorID,
		"other_id", otherID)
	return conv, nil
}

// CreateGroup creates a group conversation. The participant set is the union
// of participantIDs and the owner, deduplicated; the owner is flagged with the
// owner role. All rows are written in one transaction.
func (d *Directory) CreateGroup(ctx context.Context, ownerID int64, title string, participantIDs []int64) (*store.Conversation, error) {
	if ownerID <= 0 {
		return nil, ErrInvalidUser
	}

	ids := dedupeUserIDs(ownerID, participantIDs)

	conv := &store.Conversation{
		Type:      store.ConversationTypeGroup,
		Title:     title,
		CreatorID: ownerID,
	}
	participants := make([]*store.Participant, 0, len(ids))
	for _, id := range ids {
		role := store.RoleMember
		if id == ownerID {
			role = store.RoleOwner
		}
		participants = append(participants, &store.Participant{UserID: id, Role: role})
	}

	if err := d.store.CreateConversation(ctx, conv, participants); err != nil {
		return nil, fmt.Errorf("creating group conversation: %w", err)
	}

	d.logger.Debug("group conversation created",
		"conversation_id", conv.ID,
		"owner_id", ownerID,
		"participants", len(participants))
	return conv, nil
}

// AddParticipants adds users to a conversation. Upserts are keyed on
// (conversation_id, user_id); repeated calls with overlapping sets never
// create duplicates. Direct conversations are rejected: their participant
// set is exactly the pair they were created with.
func (d *Directory) AddParticipants(ctx context.Context, conversationID int64, userIDs []int64) error {
	conv, err := d.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("looking up conversation: %w", err)
	}
	if conv.Type == store.ConversationTypeDirect {
		return ErrDirectMembershipFixed
	}

	participants := make([]*store.Participant, 0, len(userIDs))
	for _, id := range dedupeUserIDs(0, userIDs) {
		participants = append(participants, &store.Participant{UserID: id, Role: store.RoleMember})
	}
	if len(participants) == 0 {
		return nil
	}

	if err := d.store.AddParticipants(ctx, conversationID, participants); err != nil {
		return fmt.Errorf("adding participants: %w", err)
	}
	return nil
}

// RemoveParticipant removes a user's membership. Removing a non-member is a
// no-op, not an error.
func (d *Directory) RemoveParticipant(ctx context.Context, conversationID, userID int64) error {
	if err := d.store.RemoveParticipant(ctx, conversationID, userID); err != nil {
		return fmt.Errorf("removing participant: %w", err)
	}
	return nil
}

// UserIsOwner reports whether the user holds the owner role in the conversation
func (d *Directory) UserIsOwner(ctx context.Context, conversationID, userID int64) (bool, error) {
	return d.store.IsOwner(ctx, conversationID, userID)
}

// UserIsParticipant reports whether the user is currently a member
func (d *Directory) UserIsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	return d.store.IsParticipant(ctx, conversationID, userID)
}

// dedupeUserIDs returns the sorted union of owner (when non-zero) and ids,
// with duplicates and non-positive IDs removed.
func dedupeUserIDs(owner int64, ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids)+1)
	if owner > 0 {
		seen[owner] = struct{}{}
	}
	for _, id := range ids {
		if id > 0 {
			seen[id] = struct{}{}
		}
	}

	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
