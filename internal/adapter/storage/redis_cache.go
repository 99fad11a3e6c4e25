package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements port.Cache with SETNX guards. Checkout and webhook
// handling use it to fence concurrent duplicates; the database remains the
// source of truth when Redis is cold.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) AcquireOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, 1, ttl).Result()
}

func (r *RedisCache) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
