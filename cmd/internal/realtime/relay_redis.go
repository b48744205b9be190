package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultFanoutChannel is the Redis pub/sub channel shared by all instances.
const DefaultFanoutChannel = "wander:fanout"

// RedisRelay publishes fan-out to Redis and delivers what other instances publish to the
// local hub. Messages published by this instance are skipped on receipt.
type RedisRelay struct {
	log      *slog.Logger
	rdb      *redis.Client
	hub      *Hub
	channel  string
	instance string
}

// NewRedisRelay constructs a relay. instanceID must be unique per process.
func NewRedisRelay(log *slog.Logger, rdb *redis.Client, hub *Hub, instanceID, channel string) (*RedisRelay, error) {
	if rdb == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	if hub == nil {
		return nil, errors.New("realtime: nil hub")
	}
	if instanceID == "" {
		return nil, errors.New("realtime: empty instance id")
	}
	if log == nil {
		log = slog.Default()
	}
	if channel == "" {
		channel = DefaultFanoutChannel
	}
	return &RedisRelay{log: log, rdb: rdb, hub: hub, channel: channel, instance: instanceID}, nil
}

// InstanceID returns the origin tag stamped on published deliveries.
func (r *RedisRelay) InstanceID() string { return r.instance }

// Publish sends d to every instance (including this one, which ignores it).
func (r *RedisRelay) Publish(ctx context.Context, d Delivery) error {
	d.Origin = r.instance
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("relay: encode: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}
	return nil
}

// Run subscribes to the fan-out channel and blocks until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription to be confirmed so no publish is missed after Run returns ready.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	r.log.Info("relay.subscribed", "channel", r.channel, "instance", r.instance)

	ch := sub.Channel(redis.WithChannelHealthCheckInterval(30 * time.Second))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("relay: subscription closed")
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(payload string) {
	var d Delivery
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		r.log.Info("relay.decode.fail", "err", err)
		return
	}
	if d.Origin == r.instance || d.ConversationID == "" {
		return
	}
	r.hub.deliver(sourceRelay, d.ConversationID, d.ExcludeSessionID, d.Envelope)
}
