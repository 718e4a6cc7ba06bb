package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is the Redis-backed Store implementation, selected when the
// dashboard runs with more than one replica and cache entries must be
// shared between them.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	// Addr is the Redis host:port.
	Addr string

	// Password is optional.
	Password string

	// DB is the Redis database index.
	DB int
}

// NewRedisStore creates a Redis-backed store and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Get returns the value for key and whether it exists.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return value, true, nil
}

// Set stores value under key with the given TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime of key and whether it exists.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis ttl: %w", err)
	}
	// go-redis maps the TTL sentinel replies to -2 (missing key) and -1
	// (no expiry) nanosecond durations.
	if ttl == -2 {
		return 0, false, nil
	}
	if ttl == -1 {
		return 0, true, nil
	}
	return ttl, true, nil
}

// Keys lists all live keys matching a glob pattern via SCAN.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

// DeletePattern removes all keys matching a glob pattern.
func (s *RedisStore) DeletePattern(ctx context.Context, pattern string) (int, error) {
	keys, err := s.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	deleted, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return int(deleted), fmt.Errorf("redis del: %w", err)
	}
	return int(deleted), nil
}

// HealthCheck reports backend availability and size.
func (s *RedisStore) HealthCheck(ctx context.Context) StoreHealth {
	health := StoreHealth{Backend: "redis"}

	if err := s.client.Ping(ctx).Err(); err != nil {
		health.Err = err.Error()
		return health
	}
	health.Available = true

	if size, err := s.client.DBSize(ctx).Result(); err == nil {
		health.Keys = size
	}
	return health
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
