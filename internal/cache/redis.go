package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLayer adapts a redis client to the shared cache layer. TTL and
// eviction are delegated to the server.
type RedisLayer struct {
	client redis.UniversalClient
}

// NewRedisLayer wraps an existing client.
func NewRedisLayer(client redis.UniversalClient) *RedisLayer {
	return &RedisLayer{client: client}
}

func (r *RedisLayer) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisLayer) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisLayer) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}
