package live

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const eventsChannel = "tez:events"

// Bridge carries events across processes over Redis Pub/Sub. Every process
// publishes mutations to the shared channel and re-fans received events into
// its local hub, so a connection's home process does not matter.
type Bridge struct {
	client *redis.Client
	hub    *Hub
	logger zerolog.Logger
}

func NewBridge(client *redis.Client, hub *Hub, logger zerolog.Logger) *Bridge {
	return &Bridge{
		client: client,
		hub:    hub,
		logger: logger.With().Str("component", "live-bridge").Logger(),
	}
}

// Publish sends the event to every process, including this one. Local
// fan-out happens when the subscription loop receives it back.
func (b *Bridge) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, eventsChannel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Run subscribes and pumps events into the local hub until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, eventsChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("event subscription closed")
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				b.logger.Error().Err(err).Msg("bad event payload")
				continue
			}
			b.hub.Publish(e)
		}
	}
}
