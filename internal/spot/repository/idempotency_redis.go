package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/spotkeeper/internal/spot/domain"
)

const defaultIdempotencyPrefix = "idempotency:readings:"

// RedisIdempotencyCache shares ingest responses across replicas. Keys expire
// after ttl and the first writer wins.
type RedisIdempotencyCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisIdempotencyCache(client *redis.Client, prefix string, ttl time.Duration) *RedisIdempotencyCache {
	if prefix == "" {
		prefix = defaultIdempotencyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisIdempotencyCache{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisIdempotencyCache) GetResponse(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get idempotency key %s: %w: %w", key, domain.ErrStoreUnavailable, err)
	}
	return payload, true, nil
}

func (r *RedisIdempotencyCache) PutResponse(ctx context.Context, key string, payload []byte) error {
	if err := r.client.SetNX(ctx, r.prefix+key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("put idempotency key %s: %w: %w", key, domain.ErrStoreUnavailable, err)
	}
	return nil
}
