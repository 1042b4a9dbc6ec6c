// ABOUTME: Redis pub/sub Broadcaster for multi-instance deployments
// ABOUTME: Holds a dedicated subscriber client so publishes never block behind SUBSCRIBE

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBus replicates published payloads across processes through Redis
// pub/sub. A connection in subscribe mode cannot issue other commands, so the
// bus holds a dedicated client for subscriptions and a separate client for
// publishing.
type RedisBus struct {
	pub *redis.Client
	sub *redis.Client

	mu          sync.Mutex
	subscribers map[string]map[string]chan []byte // channel -> subID -> ch
	pubsubs     map[string]*redis.PubSub          // channel -> active redis subscription
	logger      *slog.Logger
}

// NewRedisBus connects to Redis at addr and verifies the connection.
// Pass nil logger for default.
func NewRedisBus(ctx context.Context, addr string, db int, logger *slog.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pub := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := pub.Ping(ctx).Err(); err != nil {
		pub.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	sub := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	return &RedisBus{
		pub:         pub,
		sub:         sub,
		subscribers: make(map[string]map[string]chan []byte),
		pubsubs:     make(map[string]*redis.PubSub),
		logger:      logger.With("component", "bus"),
	}, nil
}

// Publish sends payload to every subscriber of channel across all processes.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.pub.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a local subscriber for payloads on the given channel.
// The first subscriber for a channel opens the underlying Redis subscription;
// later subscribers share it.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, string) {
	subID := uuid.New().String()
	ch := make(chan []byte, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[channel]; !ok {
		b.subscribers[channel] = make(map[string]chan []byte)

		ps := b.sub.Subscribe(context.Background(), channel)
		b.pubsubs[channel] = ps
		go b.readLoop(channel, ps)
	}
	b.subscribers[channel][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "channel", channel, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(channel, subID)
	}()

	return ch, subID
}

// readLoop distributes payloads from one Redis subscription to all local
// subscribers of the channel. It exits when the PubSub is closed.
func (b *RedisBus) readLoop(channel string, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		payload := []byte(msg.Payload)

		// Sends stay under the lock: Unsubscribe and Close close subscriber
		// channels under the same lock, so a channel can never be closed while
		// a send is in flight. Sends are non-blocking.
		b.mu.Lock()
		for _, ch := range b.subscribers[channel] {
			select {
			case ch <- payload:
				// Sent
			default:
				b.logger.Debug("dropped payload for slow subscriber", "channel", channel)
			}
		}
		b.mu.Unlock()
	}
}

// Unsubscribe removes a local subscription. The underlying Redis subscription
// is closed when the last local subscriber for the channel leaves.
func (b *RedisBus) Unsubscribe(channel, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[channel]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, channel)
		if ps, ok := b.pubsubs[channel]; ok {
			ps.Close()
			delete(b.pubsubs, channel)
		}
	}

	b.logger.Debug("subscriber removed", "channel", channel, "sub_id", subID)
}

// Close shuts down all subscriptions and both Redis clients.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	for channel, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, channel)
	}
	for channel, ps := range b.pubsubs {
		ps.Close()
		delete(b.pubsubs, channel)
	}
	b.mu.Unlock()

	if err := b.sub.Close(); err != nil {
		b.pub.Close()
		return fmt.Errorf("closing subscriber client: %w", err)
	}
	if err := b.pub.Close(); err != nil {
		return fmt.Errorf("closing publisher client: %w", err)
	}
	return nil
}
