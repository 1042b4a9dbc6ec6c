// ABOUTME: Broadcaster abstraction over a publish/subscribe bus
// ABOUTME: Lets the gateway swap in-process fan-out for a broker-backed bus without code changes

package bus

import "context"

// Broadcaster replicates broadcast events across gateway process instances.
// The memory implementation serves a single-instance deployment; the Redis
// implementation serves multi-instance deployments. Delivery is at-most-once:
// events published while a broker is down are not replayed, durable state
// lives in the store.
type Broadcaster interface {
	// Publish sends payload to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers a subscriber for a channel. It returns a receive
	// channel and a subscription ID for later unsubscription. The subscription
	// is cleaned up automatically when ctx is cancelled. The receive channel
	// is closed on unsubscribe.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, string)

	// Unsubscribe removes a subscription and closes its receive channel.
	Unsubscribe(channel, subID string)

	// Close shuts down the broadcaster and all subscriptions.
	Close() error
}
