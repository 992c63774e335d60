package relay

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// BusMessage is one raw message delivered by the upstream pub/sub bus.
type BusMessage struct {
	Channel string
	Payload []byte
}

// Bus is the upstream publish/subscribe connection shared by all channels.
// Implementations must deliver messages on the Messages channel in the order
// the bus delivers them and close it when the bus shuts down.
type Bus interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Messages() <-chan BusMessage
	Close() error
}

// RedisBus implements Bus on a single go-redis PubSub connection.
type RedisBus struct {
	pubsub *redis.PubSub
	out    chan BusMessage
}

// NewRedisBus creates a RedisBus with no channels subscribed yet and starts
// pumping inbound messages.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	b := &RedisBus{
		pubsub: rdb.Subscribe(context.Background()),
		out:    make(chan BusMessage, 64),
	}
	go b.pump()
	return b
}

func (b *RedisBus) pump() {
	defer close(b.out)
	for msg := range b.pubsub.Channel() {
		b.out <- BusMessage{
			Channel: msg.Channel,
			Payload: []byte(msg.Payload),
		}
	}
}

// Subscribe opens an upstream subscription for channel.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) error {
	return b.pubsub.Subscribe(ctx, channel)
}

// Unsubscribe closes the upstream subscription for channel.
func (b *RedisBus) Unsubscribe(ctx context.Context, channel string) error {
	return b.pubsub.Unsubscribe(ctx, channel)
}

// Messages returns the inbound message channel.
func (b *RedisBus) Messages() <-chan BusMessage {
	return b.out
}

// Close closes the pub/sub connection; Messages closes once drained.
func (b *RedisBus) Close() error {
	return b.pubsub.Close()
}
