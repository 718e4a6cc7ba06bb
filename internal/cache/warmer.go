package cache

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// RefreshFunc produces a fresh serialized value for a key discovered by the
// background refresh sweep.
type RefreshFunc func(ctx context.Context, key string) (json.RawMessage, error)

// WarmerConfig holds configuration for the warming scheduler.
type WarmerConfig struct {
	// Logger for warming operations.
	Logger zerolog.Logger

	// MaxConcurrent caps the number of in-flight warming tasks.
	// Default: 5
	MaxConcurrent int

	// RetryAttempts is the number of tries per warming task.
	// Default: 3
	RetryAttempts int

	// RetryDelay is the delay before the first retry; subsequent retries
	// double it (delay * 2^(attempt-1)).
	// Default: 1 second
	RetryDelay time.Duration
}

// RefreshConfig holds configuration for the background refresh sweep.
type RefreshConfig struct {
	// Enabled turns the sweep on.
	Enabled bool

	// Interval between sweeps.
	// Default: 5 minutes
	Interval time.Duration

	// BatchSize caps the number of keys refreshed per sweep.
	// Default: 10
	BatchSize int

	// PriorityKeyPatterns are the glob patterns the sweep scans.
	PriorityKeyPatterns []string
}

type refresher struct {
	pattern  string
	dataType string
	fn       RefreshFunc
}

// Warmer proactively refreshes cache entries before they expire. At most
// one warming task may be in flight per key, and the total number of
// in-flight tasks is bounded.
type Warmer struct {
	logger zerolog.Logger
	cfg    WarmerConfig
	cache  *AdaptiveCache

	mu         sync.Mutex
	inflight   map[string]struct{}
	refreshers []refresher

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWarmer creates a warming scheduler. It must be passed to
// NewAdaptiveCache via Config.Warmer before use.
func NewWarmer(cfg WarmerConfig) *Warmer {
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Warmer{
		logger:   cfg.Logger,
		cfg:      cfg,
		inflight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (w *Warmer) bind(ac *AdaptiveCache) {
	w.cache = ac
}

// Schedule enqueues a background warming task for key. It is a no-op if a
// task for the key is already in flight or the concurrency ceiling is
// reached. Returns whether a task was started.
func (w *Warmer) Schedule(key, dataType string, fetch FetchFunc) bool {
	w.mu.Lock()
	if _, exists := w.inflight[key]; exists {
		w.mu.Unlock()
		return false
	}
	if len(w.inflight) >= w.cfg.MaxConcurrent {
		w.mu.Unlock()
		w.logger.Debug().Str("key", key).Msg("warming ceiling reached, skipping")
		return false
	}
	w.inflight[key] = struct{}{}
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(key, dataType, fetch)
	return true
}

// InflightCount returns the number of warming tasks currently running.
func (w *Warmer) InflightCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}

// RegisterRefresher maps a key glob pattern to a refresh function so the
// background sweep can route matching keys through the warming path.
func (w *Warmer) RegisterRefresher(pattern, dataType string, fn RefreshFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refreshers = append(w.refreshers, refresher{pattern: pattern, dataType: dataType, fn: fn})
}

// RunBackgroundRefresh runs the periodic sweep until ctx is cancelled. Each
// sweep scans the configured priority patterns, collects up to BatchSize
// keys whose remaining TTL has fallen below the warm threshold, and
// schedules each through the warming path using its registered refresher.
func (w *Warmer) RunBackgroundRefresh(ctx context.Context, cfg RefreshConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx, cfg)
		}
	}
}

// Close cancels in-flight warming tasks and waits for them to finish.
// Idempotent.
func (w *Warmer) Close() {
	w.closeOnce.Do(func() {
		w.cancel()
		w.wg.Wait()
	})
}

func (w *Warmer) run(key, dataType string, fetch FetchFunc) {
	defer w.wg.Done()
	// Cleanup must happen on every exit path so the key can warm again.
	defer func() {
		w.mu.Lock()
		delete(w.inflight, key)
		w.mu.Unlock()
	}()

	w.cache.setWarmingFlag(w.ctx, key, true)

	var data json.RawMessage
	operation := func() error {
		fresh, err := fetch(w.ctx)
		if err != nil {
			return err
		}
		data = fresh
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.RetryDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	retries := uint64(0)
	if w.cfg.RetryAttempts > 1 {
		retries = uint64(w.cfg.RetryAttempts - 1)
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, retries), w.ctx))
	if err != nil {
		// Readers keep the stale value until the next natural miss.
		w.logger.Warn().Err(err).Str("key", key).Msg("warming failed after retries")
		w.cache.setWarmingFlag(w.ctx, key, false)
		return
	}

	if err := w.cache.SetEnhanced(w.ctx, key, data, dataType, 0); err != nil {
		w.logger.Warn().Err(err).Str("key", key).Msg("warming write failed")
		w.cache.setWarmingFlag(w.ctx, key, false)
		return
	}

	w.cache.markBackgroundRefresh()
	w.logger.Debug().Str("key", key).Msg("entry warmed")
}

func (w *Warmer) sweep(ctx context.Context, cfg RefreshConfig) {
	type candidate struct {
		key      string
		dataType string
	}

	var candidates []candidate
	for _, pattern := range cfg.PriorityKeyPatterns {
		keys, err := w.cache.Store().Keys(ctx, pattern)
		if err != nil {
			w.logger.Warn().Err(err).Str("pattern", pattern).Msg("refresh sweep scan failed")
			continue
		}
		for _, key := range keys {
			entry, remaining, ok := w.cache.peekEntry(ctx, key)
			if !ok || entry.OriginalTTL <= 0 {
				continue
			}
			threshold := time.Duration(float64(entry.OriginalTTL) * w.cache.cfg.WarmThreshold)
			if remaining > threshold {
				continue
			}
			candidates = append(candidates, candidate{key: key, dataType: entry.DataType})
			if len(candidates) >= cfg.BatchSize {
				break
			}
		}
		if len(candidates) >= cfg.BatchSize {
			break
		}
	}

	if len(candidates) == 0 {
		return
	}
	w.logger.Info().Int("candidates", len(candidates)).Msg("refresh sweep found stale entries")

	for _, c := range candidates {
		fn, dataType, ok := w.findRefresher(c.key)
		if !ok {
			w.logger.Debug().Str("key", c.key).Msg("no refresher registered for key, skipping")
			continue
		}
		if dataType == "" {
			dataType = c.dataType
		}
		key := c.key
		w.Schedule(key, dataType, func(ctx context.Context) (json.RawMessage, error) {
			return fn(ctx, key)
		})
	}
}

func (w *Warmer) findRefresher(key string) (RefreshFunc, string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.refreshers {
		if ok, _ := path.Match(r.pattern, key); ok {
			return r.fn, r.dataType, true
		}
	}
	return nil, "", false
}
