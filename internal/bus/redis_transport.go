package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisPubSubClient defines the subset of go-redis the transport needs.
type redisPubSubClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisTransport is a Transport over Redis pub/sub. Publish reports the number
// of subscribed connections that received the message.
type RedisTransport struct {
	client redisPubSubClient
}

// NewRedisTransport creates a Redis pub/sub transport.
func NewRedisTransport(client redisPubSubClient) (*RedisTransport, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisTransport{client: client}, nil
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return t.client.Publish(ctx, channel, payload).Result()
}

// Open subscribes to channels and waits for the server to confirm each one,
// so a returned subscription is known to be live.
func (t *RedisTransport) Open(ctx context.Context, channels []string) (Subscription, error) {
	ps := t.client.Subscribe(ctx, channels...)
	if len(channels) == 0 {
		if err := ps.Ping(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		return &redisSubscription{ps: ps}, nil
	}
	for range channels {
		msg, err := ps.Receive(ctx)
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		if _, ok := msg.(*redis.Subscription); !ok {
			_ = ps.Close()
			return nil, fmt.Errorf("unexpected reply while subscribing: %T", msg)
		}
	}
	return &redisSubscription{ps: ps}, nil
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) Subscribe(ctx context.Context, channels ...string) error {
	return s.ps.Subscribe(ctx, channels...)
}

func (s *redisSubscription) Unsubscribe(ctx context.Context, channels ...string) error {
	return s.ps.Unsubscribe(ctx, channels...)
}

func (s *redisSubscription) Receive(ctx context.Context) (Message, error) {
	for {
		msg, err := s.ps.Receive(ctx)
		if err != nil {
			return Message{}, err
		}
		if m, ok := msg.(*redis.Message); ok {
			return Message{Channel: m.Channel, Payload: []byte(m.Payload)}, nil
		}
		// Subscription confirmations and pongs carry no payload.
	}
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
