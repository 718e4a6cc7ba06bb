package cache

import (
	"context"
	"path"
	"sync"
	"time"
)

// MemoryStore is the default in-process Store backend. Expired entries are
// dropped lazily on read and by a janitor goroutine.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	janitorStop chan struct{}
	janitorOnce sync.Once
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStore creates an in-memory store. The janitor sweeps expired
// entries every interval; an interval of zero disables it.
func NewMemoryStore(janitorInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries:     make(map[string]memoryEntry),
		janitorStop: make(chan struct{}),
	}
	if janitorInterval > 0 {
		go s.janitor(janitorInterval)
	}
	return s
}

// Get returns the value for key and whether it exists.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if entry.expired(time.Now()) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true, nil
}

// Set stores value under key with the given TTL.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	entry := memoryEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

// TTL returns the remaining lifetime of key and whether it exists.
func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || entry.expired(time.Now()) {
		return 0, false, nil
	}
	if entry.expiresAt.IsZero() {
		return 0, true, nil
	}
	return time.Until(entry.expiresAt), true, nil
}

// Keys lists all live keys matching a glob pattern.
func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key, entry := range s.entries {
		if entry.expired(now) {
			continue
		}
		if ok, err := path.Match(pattern, key); err != nil {
			return nil, err
		} else if ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// DeletePattern removes all keys matching a glob pattern.
func (s *MemoryStore) DeletePattern(_ context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key := range s.entries {
		if ok, err := path.Match(pattern, key); err != nil {
			return deleted, err
		} else if ok {
			delete(s.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

// HealthCheck reports store availability and size.
func (s *MemoryStore) HealthCheck(_ context.Context) StoreHealth {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys, bytes int64
	for key, entry := range s.entries {
		if entry.expired(now) {
			continue
		}
		keys++
		bytes += int64(len(key) + len(entry.value))
	}
	return StoreHealth{
		Backend:     "memory",
		Available:   true,
		Keys:        keys,
		MemoryBytes: bytes,
	}
}

// Close stops the janitor goroutine. Idempotent.
func (s *MemoryStore) Close() {
	s.janitorOnce.Do(func() {
		close(s.janitorStop)
	})
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.janitorStop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, entry := range s.entries {
				if entry.expired(now) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
