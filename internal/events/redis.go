package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

type redisPubSub interface {
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) redisPubSub
	Close() error
}

// RedisBus publishes envelopes over Redis pub/sub.
type RedisBus struct {
	client redisClient
}

// NewRedisBus connects to a redis:// URL (localhost when empty).
func NewRedisBus(url string) (*RedisBus, error) {
	if url == "" {
		url = "redis://127.0.0.1:6379"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisBus{client: redisClientAdapter{redis.NewClient(opts)}}, nil
}

func (b *RedisBus) Publish(ctx context.Context, subject string, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.client.Publish(ctx, subject, raw).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, subject string) (<-chan Envelope, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	pubsub := b.client.Subscribe(ctx, subject)
	if pubsub == nil {
		return nil, nil, fmt.Errorf("subscribe %s failed", subject)
	}
	messages := pubsub.Channel()
	out := make(chan Envelope, 64)
	stop := make(chan struct{})

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(stop)
			_ = pubsub.Close()
		})
	}

	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				env, err := ParseEnvelope([]byte(msg.Payload))
				if err != nil {
					continue
				}
				select {
				case out <- env:
				default:
				}
			}
		}
	}()
	return out, unsubscribe, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisClientAdapter struct {
	*redis.Client
}

func (a redisClientAdapter) Subscribe(ctx context.Context, channels ...string) redisPubSub {
	return a.Client.Subscribe(ctx, channels...)
}
