package messaging

import (
	"context"
)

// Broker is a publish/subscribe transport for delivery events. Publish
// serializes the message as JSON; Subscribe returns a channel of raw
// payloads that closes when ctx is cancelled.
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}
