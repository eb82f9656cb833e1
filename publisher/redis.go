package publisher

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"scriptcustody/custody"
)

const DefaultRedisChannel = "custody-events"

// Redis pushes events onto a pub/sub channel for live dashboards.
type Redis struct {
	client  redis.UniversalClient
	channel string
}

func NewRedis(client redis.UniversalClient, channel string) *Redis {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Publish(ctx context.Context, event custody.Event) error {
	body, err := Encode(event)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, body).Err(); err != nil {
		return fmt.Errorf("publisher: redis publish %s: %w", event.Kind, err)
	}
	return nil
}
