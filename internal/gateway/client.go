// ABOUTME: Per-socket connection wrapper for the broadcast gateway
// ABOUTME: Coordinates outbound writes via a buffered channel and a single write loop

package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/classhive/chat-gateway/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 128
)

// client wraps a websocket and its authenticated principal. The bearer token
// is retained for the lifetime of the socket so sends can be relayed to the
// persistence API under the caller's credential.
type client struct {
	id        string
	principal *auth.Principal
	token     string

	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

// newClient constructs a client for an upgraded connection
func newClient(principal *auth.Principal, token string, ws *websocket.Conn) *client {
	return &client{
		id:        uuid.NewString(),
		principal: principal,
		token:     token,
		ws:        ws,
		send:      make(chan []byte, sendBufferSize),
		closed:    make(chan struct{}),
	}
}

// start launches the write loop. It must be called exactly once per client.
func (c *client) start() {
	go c.writeLoop()
}

// enqueue queues payload for delivery. If the client is slow and the buffer is
// full, the connection is closed to keep backpressure bounded.
func (c *client) enqueue(payload []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.send <- payload:
		return nil
	default:
		c.close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

// close terminates the connection and stops the write loop
func (c *client) close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				return
			}
		}
	}
}

func (c *client) writeMessage(payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *client) writePing() error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}
