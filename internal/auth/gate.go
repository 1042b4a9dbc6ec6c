// ABOUTME: AuthorizationGate decides channel subscription eligibility
// ABOUTME: user.{id}, session.{sid}, conversation.{id} - membership queried fresh per attempt

package auth

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
)

// ParticipantChecker defines what the gate needs from storage. Membership is
// queried fresh on every attempt, never cached: a removed participant loses
// channel access immediately.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
}

// Gate authorizes channel subscriptions for authenticated principals.
// Denials are boolean only; no additional detail is disclosed.
type Gate struct {
	store  ParticipantChecker
	logger *slog.Logger
}

// NewGate creates an authorization gate. Pass nil logger for default.
func NewGate(store ParticipantChecker, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:  store,
		logger: logger.With("component", "authgate"),
	}
}

// Allows reports whether the principal may subscribe to the named channel:
//   - user.{id}: the principal's own user ID only
//   - session.{sessionID}: the principal's own session only
//   - conversation.{id}: current participants only
//
// Unknown channel shapes are denied.
func (g *Gate) Allows(ctx context.Context, principal *Principal, channel string) bool {
	if principal == nil {
		return false
	}

	kind, rest, ok := strings.Cut(channel, ".")
	if !ok || rest == "" {
		return false
	}

	switch kind {
	case "user":
		id, err := strconv.ParseInt(rest, 10, 64)
		return err == nil && id == principal.UserID

	case "session":
		return principal.SessionID != "" && rest == principal.SessionID

	case "conversation":
		conversationID, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || conversationID <= 0 {
			return false
		}
		isMember, err := g.store.IsParticipant(ctx, conversationID, principal.UserID)
		if err != nil {
			g.logger.Warn("participant check failed",
				"conversation_id", conversationID,
				"user_id", principal.UserID,
				"error", err)
			return false
		}
		return isMember

	default:
		return false
	}
}
