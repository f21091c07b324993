package violation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKeyRegistry is a Redis-backed KeyRegistry, for running multiple
// detector processes against one dedup space. Keys expire server-side.
type RedisKeyRegistry struct {
	client *redis.Client
	prefix string
}

// NewRedisKeyRegistry wraps a Redis client. The prefix namespaces the
// registry keys ("violation:dedup" when empty).
func NewRedisKeyRegistry(client *redis.Client, prefix string) *RedisKeyRegistry {
	if prefix == "" {
		prefix = "violation:dedup"
	}
	return &RedisKeyRegistry{client: client, prefix: prefix}
}

func (r *RedisKeyRegistry) key(tenantID, key string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, tenantID, key)
}

func (r *RedisKeyRegistry) Register(ctx context.Context, tenantID, key string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(tenantID, key), 1, ttl).Err(); err != nil {
		return fmt.Errorf("violation: register key: %w", err)
	}
	return nil
}

func (r *RedisKeyRegistry) Claim(ctx context.Context, tenantID, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(tenantID, key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("violation: claim key: %w", err)
	}
	return ok, nil
}

func (r *RedisKeyRegistry) Release(ctx context.Context, tenantID, key string) error {
	if err := r.client.Del(ctx, r.key(tenantID, key)).Err(); err != nil {
		return fmt.Errorf("violation: release key: %w", err)
	}
	return nil
}

func (r *RedisKeyRegistry) Exists(ctx context.Context, tenantID, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(tenantID, key)).Result()
	if err != nil {
		return false, fmt.Errorf("violation: check key: %w", err)
	}
	return n > 0, nil
}
