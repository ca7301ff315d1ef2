package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRemote mirrors caches into Redis so several instances share one snapshot
type RedisRemote struct {
	client *redis.Client
	prefix string
}

// NewRedisRemote wraps an existing client. Keys are namespaced with prefix.
func NewRedisRemote(client *redis.Client, prefix string) *RedisRemote {
	return &RedisRemote{client: client, prefix: prefix}
}

// Get retrieves a value by key
func (r *RedisRemote) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set stores a value with the given TTL
func (r *RedisRemote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

// Name identifies the backend in refresh responses
func (r *RedisRemote) Name() string {
	return "redis"
}

// Ping checks connectivity
func (r *RedisRemote) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
