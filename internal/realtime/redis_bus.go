package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus relays events between API instances over a Redis pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

// NewRedisBus connects to redisURL and verifies the connection.
func NewRedisBus(redisURL, channel string, log zerolog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisBusWithClient(client, channel, log), nil
}

// NewRedisBusWithClient creates a bus from an existing Redis client
func NewRedisBusWithClient(client *redis.Client, channel string, log zerolog.Logger) *RedisBus {
	return &RedisBus{
		client:  client,
		channel: channel,
		log:     log.With().Str("component", "redis_bus").Logger(),
	}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Listen subscribes to the channel and calls deliver for every event until
// ctx is done or stop is called. The subscription is confirmed before Listen
// returns.
func (b *RedisBus) Listen(ctx context.Context, deliver func(Event)) (stop func(), err error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn().Err(err).Msg("drop undecodable event")
					continue
				}
				deliver(ev)
			}
		}
	}()

	return func() {
		cancel()
		_ = sub.Close()
		<-done
	}, nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (b *RedisBus) Close() error {
	return b.client.Close()
}
