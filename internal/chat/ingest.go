// ABOUTME: IngestionConsumer turns raw bus payloads into persisted messages
// ABOUTME: Per-payload error boundary - the loop never exits because of payload content

package chat

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/classhive/chat-gateway/internal/bus"
)

// Appender defines what the consumer needs from MessagePersistence
type Appender interface {
	Append(ctx context.Context, conversationID, senderID int64, payload AppendPayload) (*Envelope, error)
}

// Consumer is the long-lived ingestion subscriber. It processes raw payloads
// from the ingestion channel strictly sequentially and republishes canonical
// envelopes on the outbound channel for gateway fan-out.
//
// Delivery is at-most-once and lossy on failure: malformed payloads are
// dropped silently, and a message that fails persistence or publish is lost,
// not retried.
type Consumer struct {
	bus         bus.Broadcaster
	persistence Appender
	ingestCh    string
	outboundCh  string
	logger      *slog.Logger
}

// NewConsumer creates an ingestion consumer. Pass nil logger for default.
func NewConsumer(b bus.Broadcaster, persistence Appender, ingestChannel, outboundChannel string, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		bus:         b,
		persistence: persistence,
		ingestCh:    ingestChannel,
		outboundCh:  outboundChannel,
		logger:      logger.With("component", "ingest"),
	}
}

// Run subscribes to the ingestion channel and processes payloads one at a
// time for the lifetime of ctx. Every failure is handled at the per-payload
// boundary; the loop exits only when ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	payloads, subID := c.bus.Subscribe(ctx, c.ingestCh)
	defer c.bus.Unsubscribe(c.ingestCh, subID)

	c.logger.Info("ingestion consumer started", "channel", c.ingestCh)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("ingestion consumer stopped")
			return
		case raw, ok := <-payloads:
			if !ok {
				c.logger.Info("ingestion channel closed")
				return
			}
			c.handle(ctx, raw)
		}
	}
}

// handle processes a single raw payload. Malformed input is dropped silently;
// persistence and publish failures are logged and swallowed so one bad
// message never interrupts the stream.
func (c *Consumer) handle(ctx context.Context, raw []byte) {
	payload, err := DecodeInbound(raw)
	if err != nil {
		// Deliberate policy: malformed payloads are dropped, not surfaced
		c.logger.Debug("dropping malformed payload", "error", err)
		return
	}

	envelope, err := c.persistence.Append(ctx, payload.ConversationID, payload.SenderID, AppendPayload{
		Content:     payload.Content,
		MessageType: payload.MessageType,
		FileURL:     payload.FileURL,
	})
	if err != nil {
		// The message is lost: at-most-once, no retry
		c.logger.Warn("persistence failed, message lost",
			"conversation_id", payload.ConversationID,
			"sender_id", payload.SenderID,
			"error", err)
		return
	}

	frame, err := json.Marshal(&Frame{Message: envelope})
	if err != nil {
		c.logger.Warn("encoding envelope failed", "message_id", envelope.ID, "error", err)
		return
	}

	if err := c.bus.Publish(ctx, c.outboundCh, frame); err != nil {
		// Message is durably persisted; only the real-time push is missed.
		// Clients reconcile through the history fetch path.
		c.logger.Warn("outbound publish failed",
			"message_id", envelope.ID,
			"error", err)
	}
}
