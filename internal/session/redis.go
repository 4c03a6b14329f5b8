package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "acsg:sess:"

// RedisKeyStore holds session keys in Redis so every API node sees the
// same login state.
type RedisKeyStore struct {
	client redis.UniversalClient
}

func NewRedisKeyStore(client redis.UniversalClient) (*RedisKeyStore, error) {
	if client == nil {
		return nil, errors.New("session: redis client is required")
	}
	return &RedisKeyStore{client: client}, nil
}

func (r *RedisKeyStore) Get(ctx context.Context, key string) (int64, bool, error) {
	val, err := r.client.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("session: redis get: %w", err)
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("session: corrupt key entry %q: %w", val, err)
	}
	return id, true, nil
}

func (r *RedisKeyStore) Set(ctx context.Context, key string, principalID int64, ttl time.Duration) error {
	if err := r.client.Set(ctx, redisKeyPrefix+key, strconv.FormatInt(principalID, 10), ttl).Err(); err != nil {
		return fmt.Errorf("session: redis set: %w", err)
	}
	return nil
}

func (r *RedisKeyStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = redisKeyPrefix + k
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("session: redis del: %w", err)
	}
	return nil
}
