package leads

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupeKeyPrefix = "leadflow:notification:"

// NotificationDeduper drops redelivered mutation notifications.
type NotificationDeduper interface {
	// Acquire reports whether key was seen for the first time.
	Acquire(ctx context.Context, key string) (bool, error)
	// Release forgets key so a failed notification can be processed again.
	Release(ctx context.Context, key string) error
}

// RedisDeduper remembers notification keys with SETNX for a fixed TTL.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

// NewRedisDeduperFromURL connects to Redis using a redis:// URL.
func NewRedisDeduperFromURL(redisURL string, ttl time.Duration) (*RedisDeduper, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisDeduper(redis.NewClient(opt), ttl), nil
}

func (d *RedisDeduper) Acquire(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, dedupeKeyPrefix+key, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, dedupeKeyPrefix+key).Err()
}

func (d *RedisDeduper) Close() error {
	return d.client.Close()
}

// noopDeduper accepts everything; used when Redis is not configured.
type noopDeduper struct{}

func (noopDeduper) Acquire(context.Context, string) (bool, error) { return true, nil }
func (noopDeduper) Release(context.Context, string) error         { return nil }
