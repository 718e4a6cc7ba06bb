// Package cache provides the cache store contract, its in-memory and Redis
// backends, and the adaptive read-through layer that sits between dashboard
// consumers and the fallback orchestrator.
package cache

import (
	"context"
	"time"
)

// Store is the swappable key/value backend. Implementations must treat an
// expired key as absent.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key with the given TTL. A zero TTL means no
	// expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// TTL returns the remaining lifetime of key and whether it exists.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)

	// Keys lists all live keys matching a glob pattern (e.g. "quote:*").
	Keys(ctx context.Context, pattern string) ([]string, error)

	// DeletePattern removes all keys matching a glob pattern, returning the
	// number deleted.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// HealthCheck reports backend availability and size.
	HealthCheck(ctx context.Context) StoreHealth
}

// StoreHealth reports the state of a cache backend.
type StoreHealth struct {
	Backend     string `json:"backend"`
	Available   bool   `json:"available"`
	Keys        int64  `json:"keys"`
	MemoryBytes int64  `json:"memoryBytes"`
	Err         string `json:"error,omitempty"`
}
