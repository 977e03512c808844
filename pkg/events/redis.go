package events

import (
	"context"
	"encoding/json"

	"github.com/cuemby/shipyard/pkg/log"
	"github.com/redis/go-redis/v9"
)

// redisPublisher is the part of *redis.Client the forwarder uses
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisForwarder republishes every broker event as JSON on a Redis channel
type RedisForwarder struct {
	client  redisPublisher
	channel string
	broker  *Broker
	sub     *Subscription
	done    chan struct{}
}

// NewRedisClient creates a go-redis client for addr
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: addr,
	})
}

// NewRedisForwarder creates a forwarder. Call Start to begin forwarding.
func NewRedisForwarder(client redisPublisher, channel string, broker *Broker) *RedisForwarder {
	return &RedisForwarder{
		client:  client,
		channel: channel,
		broker:  broker,
		done:    make(chan struct{}),
	}
}

// Start subscribes to the broker and forwards until Stop
func (f *RedisForwarder) Start() {
	f.sub = f.broker.Subscribe("")
	go f.run()
}

// Stop unsubscribes and waits for the forwarding loop to exit
func (f *RedisForwarder) Stop() {
	f.broker.Unsubscribe(f.sub)
	<-f.done
}

func (f *RedisForwarder) run() {
	defer close(f.done)
	logger := log.WithComponent("events")

	for event := range f.sub.C {
		data, err := json.Marshal(event)
		if err != nil {
			logger.Error().Err(err).Str("type", string(event.Type)).Msg("Failed to encode event")
			continue
		}
		if err := f.client.Publish(context.Background(), f.channel, data).Err(); err != nil {
			logger.Warn().Err(err).Str("channel", f.channel).Msg("Failed to publish event to redis")
		}
	}
}
