// ABOUTME: WebSocket fan-out gateway - rooms, client events, cross-instance broadcast
// ABOUTME: Sends relay through the persistence API; fan-out arrives via the shared Broadcaster

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/classhive/chat-gateway/internal/auth"
	"github.com/classhive/chat-gateway/internal/bus"
	"github.com/classhive/chat-gateway/internal/chat"
)

// Client event names
const (
	eventJoinConversation  = "join_conversation"
	eventLeaveConversation = "leave_conversation"
	eventSendMessage       = "send_message"
)

// Server event names
const (
	eventMessage      = "message"
	eventMessageError = "message_error"
	eventJoined       = "joined"
	eventJoinDenied   = "join_denied"
)

// ParticipantChecker defines what the gateway needs from storage to verify
// room membership before granting a join.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
}

// clientFrame is a client-to-server event
type clientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// serverFrame is a server-to-client event
type serverFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type joinData struct {
	ConversationID int64 `json:"conversationId"`
}

type sendData struct {
	ConversationID int64  `json:"conversationId"`
	Content        string `json:"content,omitempty"`
	MessageType    string `json:"message_type,omitempty"`
	FileURL        string `json:"file_url,omitempty"`
}

// Gateway is one process instance of the broadcast gateway. It holds local
// socket-to-room membership; the shared Broadcaster replicates broadcast
// frames so a message published from any instance reaches sockets connected
// to any other instance.
type Gateway struct {
	verifier     auth.TokenVerifier
	participants ParticipantChecker
	bus          bus.Broadcaster
	relay        *Relay
	outboundCh   string
	upgrader     websocket.Upgrader
	logger       *slog.Logger

	mu          sync.RWMutex
	rooms       map[int64]map[string]*client // conversationID -> clientID -> client
	clientRooms map[string]map[int64]struct{}
}

// New creates a gateway instance. Pass nil logger for default.
func New(verifier auth.TokenVerifier, participants ParticipantChecker, b bus.Broadcaster, relay *Relay, outboundChannel string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		verifier:     verifier,
		participants: participants,
		bus:          b,
		relay:        relay,
		outboundCh:   outboundChannel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:      logger.With("component", "gateway"),
		rooms:       make(map[int64]map[string]*client),
		clientRooms: make(map[string]map[int64]struct{}),
	}
}

// Handler returns the HTTP handler exposing the websocket endpoint at /ws
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	return mux
}

// Run subscribes to the outbound channel and fans frames out to local rooms
// until ctx is cancelled. Every gateway instance runs one fan-out loop.
func (g *Gateway) Run(ctx context.Context) {
	frames, subID := g.bus.Subscribe(ctx, g.outboundCh)
	defer g.bus.Unsubscribe(g.outboundCh, subID)

	g.logger.Info("fan-out loop started", "channel", g.outboundCh)

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("fan-out loop stopped")
			return
		case raw, ok := <-frames:
			if !ok {
				return
			}
			var frame chat.Frame
			if err := json.Unmarshal(raw, &frame); err != nil {
				g.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			if frame.Message == nil {
				continue
			}
			g.deliver(&frame)
		}
	}
}

// deliver sends the frame's envelope to every socket in the conversation's
// room except the origin socket, which already received a local echo.
func (g *Gateway) deliver(frame *chat.Frame) {
	g.mu.RLock()
	room := g.rooms[frame.Message.ConversationID]
	targets := make([]*client, 0, len(room))
	for id, c := range room {
		if frame.Origin != "" && id == frame.Origin {
			continue
		}
		targets = append(targets, c)
	}
	g.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	payload, err := json.Marshal(&serverFrame{Event: eventMessage, Data: frame.Message})
	if err != nil {
		g.logger.Warn("encoding broadcast failed", "error", err)
		return
	}

	for _, c := range targets {
		if err := c.enqueue(payload); err != nil {
			g.logger.Debug("dropping broadcast for closed socket", "client_id", c.id)
		}
	}
}

// handleWS authenticates the handshake, upgrades the connection, and runs the
// read loop until the socket closes.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	principal, err := g.verifier.Verify(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", "error", err)
		return
	}

	c := newClient(principal, token, ws)
	c.start()

	g.logger.Info("socket connected", "client_id", c.id, "user_id", principal.UserID)

	g.readLoop(r.Context(), c)
}

// readLoop processes client events until the socket errors or closes. On exit
// the socket leaves all rooms: Disconnected is the terminal membership state.
func (g *Gateway) readLoop(ctx context.Context, c *client) {
	defer func() {
		g.removeClient(c)
		c.close(websocket.CloseNormalClosure, "")
		g.logger.Info("socket disconnected", "client_id", c.id, "user_id", c.principal.UserID)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		g.dispatch(ctx, c, data)
	}
}

// dispatch routes one client frame. Unknown or malformed events are ignored;
// a misbehaving client cannot take the read loop down.
func (g *Gateway) dispatch(ctx context.Context, c *client, data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		g.logger.Debug("ignoring malformed client frame", "client_id", c.id, "error", err)
		return
	}

	switch frame.Event {
	case eventJoinConversation:
		g.handleJoin(ctx, c, frame.Data)
	case eventLeaveConversation:
		g.handleLeave(c, frame.Data)
	case eventSendMessage:
		g.handleSend(ctx, c, frame.Data)
	default:
		g.logger.Debug("ignoring unknown event", "client_id", c.id, "event", frame.Event)
	}
}

// handleJoin verifies current participation before granting room membership.
// Denials carry no detail beyond the conversation id.
func (g *Gateway) handleJoin(ctx context.Context, c *client, data json.RawMessage) {
	var req joinData
	if err := json.Unmarshal(data, &req); err != nil || req.ConversationID <= 0 {
		return
	}

	isMember, err := g.participants.IsParticipant(ctx, req.ConversationID, c.principal.UserID)
	if err != nil {
		g.logger.Warn("participant check failed",
			"conversation_id", req.ConversationID,
			"user_id", c.principal.UserID,
			"error", err)
		isMember = false
	}
	if !isMember {
		g.sendEvent(c, eventJoinDenied, joinData{ConversationID: req.ConversationID})
		return
	}

	g.mu.Lock()
	if _, ok := g.rooms[req.ConversationID]; !ok {
		g.rooms[req.ConversationID] = make(map[string]*client)
	}
	g.rooms[req.ConversationID][c.id] = c
	if _, ok := g.clientRooms[c.id]; !ok {
		g.clientRooms[c.id] = make(map[int64]struct{})
	}
	g.clientRooms[c.id][req.ConversationID] = struct{}{}
	g.mu.Unlock()

	g.logger.Debug("socket joined room",
		"client_id", c.id,
		"conversation_id", req.ConversationID)

	g.sendEvent(c, eventJoined, joinData{ConversationID: req.ConversationID})
}

func (g *Gateway) handleLeave(c *client, data json.RawMessage) {
	var req joinData
	if err := json.Unmarshal(data, &req); err != nil || req.ConversationID <= 0 {
		return
	}

	g.mu.Lock()
	g.leaveRoomLocked(c, req.ConversationID)
	g.mu.Unlock()

	g.logger.Debug("socket left room",
		"client_id", c.id,
		"conversation_id", req.ConversationID)
}

// handleSend relays the message to the persistence API under the caller's
// bearer credential. On success the envelope is echoed to the sender and
// broadcast through the bus with this socket as origin; on failure the sender
// gets a message_error event instead of a silent drop.
func (g *Gateway) handleSend(ctx context.Context, c *client, data json.RawMessage) {
	var req sendData
	if err := json.Unmarshal(data, &req); err != nil || req.ConversationID <= 0 {
		g.sendEvent(c, eventMessageError, map[string]any{"error": "invalid send_message payload"})
		return
	}

	envelope, err := g.relay.SendMessage(c.token, req.ConversationID, &SendMessageRequest{
		Content:     req.Content,
		MessageType: req.MessageType,
		FileURL:     req.FileURL,
	})
	if err != nil {
		g.logger.Warn("relay failed",
			"client_id", c.id,
			"conversation_id", req.ConversationID,
			"error", err)
		g.sendEvent(c, eventMessageError, map[string]any{
			"conversationId": req.ConversationID,
			"error":          "message could not be delivered",
		})
		return
	}

	// Immediate echo to the sender's own socket
	g.sendEvent(c, eventMessage, envelope)

	frame, err := json.Marshal(&chat.Frame{Origin: c.id, Message: envelope})
	if err != nil {
		g.logger.Warn("encoding frame failed", "message_id", envelope.ID, "error", err)
		return
	}
	if err := g.bus.Publish(ctx, g.outboundCh, frame); err != nil {
		// Message is durably persisted; only the broadcast is missed
		g.logger.Warn("broadcast publish failed", "message_id", envelope.ID, "error", err)
	}
}

// sendEvent marshals and queues a server event for one socket
func (g *Gateway) sendEvent(c *client, event string, data any) {
	payload, err := json.Marshal(&serverFrame{Event: event, Data: data})
	if err != nil {
		g.logger.Warn("encoding event failed", "event", event, "error", err)
		return
	}
	if err := c.enqueue(payload); err != nil {
		g.logger.Debug("dropping event for closed socket", "client_id", c.id, "event", event)
	}
}

// removeClient drops the socket from every room it joined
func (g *Gateway) removeClient(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for conversationID := range g.clientRooms[c.id] {
		g.leaveRoomLocked(c, conversationID)
	}
	delete(g.clientRooms, c.id)
}

// leaveRoomLocked removes the socket from one room. Caller holds g.mu.
func (g *Gateway) leaveRoomLocked(c *client, conversationID int64) {
	if room, ok := g.rooms[conversationID]; ok {
		delete(room, c.id)
		if len(room) == 0 {
			delete(g.rooms, conversationID)
		}
	}
	if rooms, ok := g.clientRooms[c.id]; ok {
		delete(rooms, conversationID)
	}
}

// bearerToken extracts the credential supplied at the connection handshake,
// either as an Authorization header or a token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
	}
	return r.URL.Query().Get("token")
}
