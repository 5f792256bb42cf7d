package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Broker carries persisted events to the hubs that hold live subscriptions.
type Broker interface {
	Publish(ctx context.Context, ev Event) error
}

// LocalBroker delivers straight into an in-process hub.
type LocalBroker struct {
	hub *Hub
}

func NewLocalBroker(hub *Hub) *LocalBroker {
	return &LocalBroker{hub: hub}
}

func (b *LocalBroker) Publish(_ context.Context, ev Event) error {
	b.hub.Publish(ev)
	return nil
}

const DefaultChannel = "notifications:events"

// RedisBroker fans events out across api-server instances over Redis Pub/Sub. Every
// instance runs Run, which feeds its own hub.
type RedisBroker struct {
	client  *redis.Client
	channel string
	hub     *Hub
	log     *zap.Logger
}

func NewRedisBroker(client *redis.Client, channel string, hub *Hub, logger *zap.Logger) *RedisBroker {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{client: client, channel: channel, hub: hub, log: logger}
}

func (b *RedisBroker) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Run forwards channel messages to the hub until ctx is done.
func (b *RedisBroker) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.log.Info("notification broker subscribed", zap.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("dropping malformed notification", zap.Error(err))
				continue
			}
			b.hub.Publish(ev)
		}
	}
}
