// ABOUTME: In-memory Broadcaster for single-instance deployments
// ABOUTME: Per-subscriber buffered channels with non-blocking drop for slow consumers

package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// MemoryBus provides in-process pub/sub. Subscribers register for a channel
// name and receive published payloads as they arrive. Only suitable when a
// single process serves all sockets.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan []byte // channel -> subID -> ch
	logger      *slog.Logger
}

// NewMemoryBus creates a memory bus. Pass nil logger for default.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		subscribers: make(map[string]map[string]chan []byte),
		logger:      logger.With("component", "bus"),
	}
}

// Subscribe registers a subscriber for payloads on the given channel.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, string) {
	subID := uuid.New().String()
	ch := make(chan []byte, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[channel]; !ok {
		b.subscribers[channel] = make(map[string]chan []byte)
	}
	b.subscribers[channel][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "channel", channel, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(channel, subID)
	}()

	return ch, subID
}

// Publish sends payload to all subscribers of the given channel.
// Non-blocking: payloads are dropped for subscribers whose channels are full.
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Sends stay under the read lock: Unsubscribe and Close close subscriber
	// channels under the write lock, so a channel can never be closed while a
	// send is in flight. Sends are non-blocking, so the lock is held briefly.
	for _, ch := range b.subscribers[channel] {
		select {
		case ch <- payload:
			// Sent
		default:
			// Subscriber channel full, drop payload for this subscriber
			b.logger.Debug("dropped payload for slow subscriber", "channel", channel)
		}
	}
	return nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(channel, subID string) {
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

	// Clean up empty channel entries
	if len(subs) == 0 {
		delete(b.subscribers, channel)
	}

	b.logger.Debug("subscriber removed", "channel", channel, "sub_id", subID)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for channel, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, channel)
	}

	b.logger.Debug("bus closed")
	return nil
}
