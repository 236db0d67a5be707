// Package redisstore is the generic Redis-backed cache used as the shell
// index's optional shared backend (shell descriptors keyed by shell id).
// It wraps a go-redis client behind the types.Cache interface so callers
// never import go-redis directly.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

// DefaultExpire is used when Set/SetExpirable are called with expires=true
// and no explicit TTL was configured on the Store.
const DefaultExpire = time.Hour

// Client is the subset of the go-redis client our cache needs.
type Client interface {
	Get(context.Context, string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Persist(ctx context.Context, key string) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// Store wraps a redis client to implement types.Cache, using the provided
// serialization/deserialization functions.
type Store[Key, Value any] struct {
	fromRedis func(string) (Value, error)
	toRedis   func(Value) (string, error)
	keyString func(Key) string
	client    Client
	ttl       time.Duration
}

var _ types.Cache[any, any] = (*Store[any, any])(nil)

// NewStore returns a redis-backed store using ttl as the expiry set when
// expires=true. ttl<=0 uses DefaultExpire.
func NewStore[Key, Value any](
	fromRedis func(string) (Value, error),
	toRedis func(Value) (string, error),
	keyString func(Key) string,
	client Client,
	ttl time.Duration,
) *Store[Key, Value] {
	if ttl <= 0 {
		ttl = DefaultExpire
	}
	return &Store[Key, Value]{fromRedis, toRedis, keyString, client, ttl}
}

// Get returns the deserialized value for key, or types.ErrKeyNotFound.
func (rs *Store[Key, Value]) Get(ctx context.Context, key Key) (Value, error) {
	data, err := rs.client.Get(ctx, rs.keyString(key)).Result()
	if err != nil {
		var v Value
		if err == redis.Nil {
			return v, types.ErrKeyNotFound
		}
		return v, fmt.Errorf("accessing redis: %w", err)
	}
	return rs.fromRedis(data)
}

// Set saves a serialized value to redis.
func (rs *Store[Key, Value]) Set(ctx context.Context, key Key, value Value, expires bool) error {
	data, err := rs.toRedis(value)
	if err != nil {
		return err
	}
	duration := time.Duration(0)
	if expires {
		duration = rs.ttl
	}
	if err := rs.client.Set(ctx, rs.keyString(key), data, duration).Err(); err != nil {
		return fmt.Errorf("accessing redis: %w", err)
	}
	return nil
}

// SetExpirable changes the expiration property for a given key.
func (rs *Store[Key, Value]) SetExpirable(ctx context.Context, key Key, expires bool) error {
	var err error
	if expires {
		err = rs.client.Expire(ctx, rs.keyString(key), rs.ttl).Err()
	} else {
		err = rs.client.Persist(ctx, rs.keyString(key)).Err()
	}
	if err != nil {
		return fmt.Errorf("accessing redis: %w", err)
	}
	return nil
}

// Delete evicts key. A missing key is not an error.
func (rs *Store[Key, Value]) Delete(ctx context.Context, key Key) error {
	if err := rs.client.Del(ctx, rs.keyString(key)).Err(); err != nil {
		return fmt.Errorf("accessing redis: %w", err)
	}
	return nil
}
