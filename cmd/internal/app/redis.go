package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"wander/cmd/identity/ids"
	"wander/cmd/internal/realtime"
)

// NewRedisClient parses WANDER_REDIS_URL and pings the server before returning.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// newRelay picks the Redis relay when a URL is configured, the in-process one otherwise.
// The returned client is nil in local mode.
func newRelay(ctx context.Context, cfg Config, log Logger, hub *realtime.Hub) (realtime.Relay, *redis.Client, error) {
	if cfg.RedisURL == "" {
		log.Info("relay.local")
		return realtime.LocalRelay{}, nil, nil
	}

	rdb, err := NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}

	instance := cfg.InstanceID
	if instance == "" {
		instance = ids.MustULID(time.Now())
	}

	relay, err := realtime.NewRedisRelay(log, rdb, hub, instance, cfg.RedisChannel)
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}

	log.Info("relay.redis", "channel", cfg.RedisChannel, "instance_id", relay.InstanceID())
	return relay, rdb, nil
}
