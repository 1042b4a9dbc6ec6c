// ABOUTME: REST persistence API - conversations, messages, and channel authorization
// ABOUTME: chi router with bearer-token middleware; JSON in, JSON out

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/classhive/chat-gateway/internal/auth"
	"github.com/classhive/chat-gateway/internal/chat"
	"github.com/classhive/chat-gateway/internal/store"
)

const defaultPageSize = 50

type contextKey string

const principalKey contextKey = "principal"

var validate = validator.New()

// API serves the persistence REST surface: conversation management, message
// append and history, and private-channel authorization.
type API struct {
	store     store.Store
	directory *chat.Directory
	messages  *chat.Persistence
	gate      *auth.Gate
	verifier  auth.TokenVerifier
	logger    *slog.Logger
}

// New creates the API. Pass nil logger for default.
func New(s store.Store, directory *chat.Directory, messages *chat.Persistence, gate *auth.Gate, verifier auth.TokenVerifier, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		store:     s,
		directory: directory,
		messages:  messages,
		gate:      gate,
		verifier:  verifier,
		logger:    logger.With("component", "httpapi"),
	}
}

// Router builds the chi route tree. Everything except the health check
// requires a bearer token.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", a.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Post("/conversations/direct", a.handleCreateDirect)
		r.Post("/conversations/group", a.handleCreateGroup)
		r.Post("/conversations/{conversationID}/participants", a.handleAddParticipants)
		r.Get("/conversations/{conversationID}/participants", a.handleListParticipants)
		r.Delete("/conversations/{conversationID}/participants/{userID}", a.handleRemoveParticipant)
		r.Post("/conversations/{conversationID}/messages", a.handleSendMessage)
		r.Get("/conversations/{conversationID}/messages", a.handleListMessages)
		r.Post("/broadcasting/auth", a.handleBroadcastingAuth)
	})

	return r
}

// requireAuth verifies the bearer token and stores the principal in the
// request context.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		principal, err := a.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(r *http.Request) *auth.Principal {
	p, _ := r.Context().Value(principalKey).(*auth.Principal)
	return p
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createDirectRequest struct {
	UserID int64 `json:"userId" validate:"required,gt=0"`
}

func (a *API) handleCreateDirect(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)

	var req createDirectRequest
	if !decodeBody(w, r, &req) {
		return
	}

	conversation, err := a.directory.FindOrCreateDirect(r.Context(), principal.UserID, req.UserID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversation)
}

type createGroupRequest struct {
	Title          string  `json:"title" validate:"required"`
	ParticipantIDs []int64 `json:"participantIds" validate:"required,min=1,dive,gt=0"`
}

func (a *API) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)

	var req createGroupRequest
	if !decodeBody(w, r, &req) {
		return
	}

	conversation, err := a.directory.CreateGroup(r.Context(), principal.UserID, req.Title, req.ParticipantIDs)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conversation)
}

type addParticipantsRequest struct {
	UserIDs []int64 `json:"userIds" validate:"required,min=1,dive,gt=0"`
}

func (a *API) handleAddParticipants(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	conversationID, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}

	var req addParticipantsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if !a.requireOwner(w, r, conversationID, principal.UserID) {
		return
	}

	if err := a.directory.AddParticipants(r.Context(), conversationID, req.UserIDs); err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	conversationID, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}

	if !a.requireParticipant(w, r, conversationID, principal.UserID) {
		return
	}

	participants, err := a.store.ListParticipants(r.Context(), conversationID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": participants})
}

func (a *API) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	conversationID, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	// Participants may leave on their own; removing anyone else is owner-only
	if userID != principal.UserID {
		if !a.requireOwner(w, r, conversationID, principal.UserID) {
			return
		}
	}

	if err := a.directory.RemoveParticipant(r.Context(), conversationID, userID); err != nil {
		a.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	Content     string `json:"content" validate:"required_without=FileURL"`
	MessageType string `json:"message_type" validate:"omitempty,oneof=text image file"`
	FileURL     string `json:"file_url"`
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	conversationID, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}

	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if !a.requireParticipant(w, r, conversationID, principal.UserID) {
		return
	}

	envelope, err := a.messages.Append(r.Context(), conversationID, principal.UserID, chat.AppendPayload{
		Content:     req.Content,
		MessageType: req.MessageType,
		FileURL:     req.FileURL,
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope)
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	conversationID, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}

	if !a.requireParticipant(w, r, conversationID, principal.UserID) {
		return
	}

	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	var beforeID int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			beforeID = n
		}
	}

	messages, err := a.store.ListMessages(r.Context(), conversationID, limit, beforeID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	envelopes := make([]*chat.Envelope, 0, len(messages))
	for _, msg := range messages {
		envelopes = append(envelopes, chat.NewEnvelope(msg))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": envelopes})
}

type broadcastingAuthRequest struct {
	ChannelName string `json:"channel_name" validate:"required"`
}

// handleBroadcastingAuth answers private-channel subscription checks for the
// socket layer. Allowed channels get 200, everything else 403.
func (a *API) handleBroadcastingAuth(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)

	var req broadcastingAuthRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if !a.gate.Allows(r.Context(), principal, req.ChannelName) {
		writeError(w, http.StatusForbidden, "channel access denied")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "authorized"})
}

// requireParticipant answers 403/404 on failure and reports whether the
// handler may proceed.
func (a *API) requireParticipant(w http.ResponseWriter, r *http.Request, conversationID, userID int64) bool {
	isMember, err := a.directory.UserIsParticipant(r.Context(), conversationID, userID)
	if err != nil {
		a.writeDomainError(w, err)
		return false
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a participant")
		return false
	}
	return true
}

func (a *API) requireOwner(w http.ResponseWriter, r *http.Request, conversationID, userID int64) bool {
	isOwner, err := a.directory.UserIsOwner(r.Context(), conversationID, userID)
	if err != nil {
		a.writeDomainError(w, err)
		return false
	}
	if !isOwner {
		writeError(w, http.StatusForbidden, "owner only")
		return false
	}
	return true
}

// writeDomainError maps domain errors onto HTTP statuses
func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "not a participant")
	case errors.Is(err, chat.ErrInvalidUser),
		errors.Is(err, chat.ErrSelfConversation),
		errors.Is(err, chat.ErrDirectMembershipFixed),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrInvalidMessageType):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		a.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// pathID parses a positive integer path parameter or answers 400
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

// decodeBody parses and validates a JSON body or answers 400/422
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
