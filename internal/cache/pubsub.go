package cache

import (
	"context"

	"pricealert/internal/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// AlertsChannel carries every fired alert from the price processor to the
// alerts service.
const AlertsChannel = "price_alerts"

// Publisher publishes messages on Redis channels.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish publishes a message to a Redis channel
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

// RedisSubscriber represents a subscription to a Redis channel
type RedisSubscriber struct {
	pubsub *redis.PubSub
}

// NewRedisSubscriber subscribes to channel and waits for the confirmation.
func NewRedisSubscriber(ctx context.Context, client *redis.Client, channel string) (*RedisSubscriber, error) {
	pubsub := client.Subscribe(ctx, channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	logger.Log.Info("Subscribed to Redis channel", zap.String("channel", channel))
	return &RedisSubscriber{pubsub: pubsub}, nil
}

// ReceiveMessage waits for and returns the next message
func (s *RedisSubscriber) ReceiveMessage(ctx context.Context) (*redis.Message, error) {
	return s.pubsub.ReceiveMessage(ctx)
}

// Close closes the subscription
func (s *RedisSubscriber) Close() error {
	return s.pubsub.Close()
}
