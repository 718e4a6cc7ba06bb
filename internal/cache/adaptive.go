package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// emaWeight is the decay applied to the rolling hit/miss/error/latency
// estimates: new = old*0.9 + sample*0.1. The three rates are independent
// recency-weighted percentages; they are deliberately not normalized
// against each other.
const emaWeight = 0.9

// FetchFunc produces a fresh serialized value for a cache key.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// AccessRecorder receives per-key access events for the top-keys dashboard
// view. Implemented by the monitor engine.
type AccessRecorder interface {
	RecordKeyAccess(key string, hit bool, size int)
}

// Entry is the metadata envelope stored per cache key.
type Entry struct {
	Data        json.RawMessage `json:"data"`
	Timestamp   time.Time       `json:"timestamp"`
	OriginalTTL time.Duration   `json:"originalTTL"`
	CurrentTTL  time.Duration   `json:"currentTTL"`
	AccessCount int64           `json:"accessCount"`
	LastAccess  time.Time       `json:"lastAccess"`
	IsWarming   bool            `json:"isWarming"`
	RateLimited bool            `json:"rateLimited"`
	DataType    string          `json:"dataType"`
}

// Config holds configuration for the adaptive cache layer.
type Config struct {
	// Store is the backing key/value store.
	Store Store

	// Logger for cache operations.
	Logger zerolog.Logger

	// DefaultTTL maps data types (quote, historical, search, summary) to
	// their base TTL.
	DefaultTTL map[string]time.Duration

	// FallbackTTL applies to unknown data types.
	// Default: 60 seconds
	FallbackTTL time.Duration

	// RateLimitedTTLFactor scales the TTL of keys currently under a
	// rate-limit cooldown. Values above 1 stretch entries to keep pressure
	// off the throttled provider.
	// Default: 2.0
	RateLimitedTTLFactor float64

	// WarmThreshold is the fraction of an entry's original TTL below which
	// a read triggers background warming.
	// Default: 0.2
	WarmThreshold float64

	// Warmer schedules background refreshes (optional).
	Warmer *Warmer

	// Recorder receives per-key access events (optional).
	Recorder AccessRecorder
}

// Metrics is a point-in-time view of the cache layer's rolling metrics and
// counters.
type Metrics struct {
	HitRate                float64 `json:"hitRate"`
	MissRate               float64 `json:"missRate"`
	ErrorRate              float64 `json:"errorRate"`
	ResponseTimeMs         float64 `json:"responseTimeMs"`
	TotalRequests          int64   `json:"totalRequests"`
	Hits                   int64   `json:"hits"`
	Misses                 int64   `json:"misses"`
	WarmingTasks           int     `json:"warmingTasks"`
	BackgroundRefreshes    int64   `json:"backgroundRefreshes"`
	RateLimitEvents        int64   `json:"rateLimitEvents"`
	AdaptiveTTLAdjustments int64   `json:"adaptiveTTLAdjustments"`
}

// AdaptiveCache is the read-through layer over a Store. It maintains the
// metadata envelope per entry, adapts TTLs for rate-limited keys, triggers
// background warming, and tracks rolling performance metrics.
type AdaptiveCache struct {
	store    Store
	logger   zerolog.Logger
	cfg      Config
	warmer   *Warmer
	recorder AccessRecorder

	rateMu     sync.Mutex
	rateLimits map[string]*time.Timer

	statsMu                sync.Mutex
	hitRate                float64
	missRate               float64
	errorRate              float64
	responseTime           float64
	totalRequests          int64
	hits                   int64
	misses                 int64
	backgroundRefreshes    int64
	rateLimitEvents        int64
	adaptiveTTLAdjustments int64

	closeOnce sync.Once
}

// NewAdaptiveCache creates the adaptive cache layer. If cfg.Warmer is set,
// it is bound to this cache so warming writes flow back through SetEnhanced.
func NewAdaptiveCache(cfg Config) *AdaptiveCache {
	if cfg.FallbackTTL == 0 {
		cfg.FallbackTTL = 60 * time.Second
	}
	if cfg.RateLimitedTTLFactor == 0 {
		cfg.RateLimitedTTLFactor = 2.0
	}
	if cfg.WarmThreshold == 0 {
		cfg.WarmThreshold = 0.2
	}

	ac := &AdaptiveCache{
		store:      cfg.Store,
		logger:     cfg.Logger,
		cfg:        cfg,
		warmer:     cfg.Warmer,
		recorder:   cfg.Recorder,
		rateLimits: make(map[string]*time.Timer),
	}
	if ac.warmer != nil {
		ac.warmer.bind(ac)
	}
	return ac
}

// GetWithWarming is the read-through entry point. On a hit it may enqueue a
// background warming task (without blocking the caller) and returns the
// cached payload; on a miss it fetches, stores, and returns the fresh value.
func (ac *AdaptiveCache) GetWithWarming(ctx context.Context, key, dataType string, fetch FetchFunc) (json.RawMessage, error) {
	start := time.Now()

	entry, remaining, ok := ac.GetEnhanced(ctx, key)
	if ok {
		ac.recordHit(time.Since(start))
		ac.recordKeyAccess(key, true, len(entry.Data))

		if ac.warmer != nil && entry.OriginalTTL > 0 {
			threshold := time.Duration(float64(entry.OriginalTTL) * ac.cfg.WarmThreshold)
			if remaining <= threshold {
				ac.warmer.Schedule(key, dataType, fetch)
			}
		}
		return entry.Data, nil
	}

	ac.recordMiss()

	data, err := fetch(ctx)
	if err != nil {
		ac.recordError()
		return nil, err
	}

	if err := ac.SetEnhanced(ctx, key, data, dataType, 0); err != nil {
		// A write failure degrades to fetch-fresh behavior; the caller
		// still gets the value.
		ac.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}

	ac.recordResponseTime(time.Since(start))
	ac.recordKeyAccess(key, false, len(data))
	return data, nil
}

// GetEnhanced returns the entry envelope plus its remaining TTL. Each read
// increments the entry's access count and rewrites it back to the store
// preserving the remaining TTL; that write-back is best-effort.
func (ac *AdaptiveCache) GetEnhanced(ctx context.Context, key string) (*Entry, time.Duration, bool) {
	raw, found, err := ac.store.Get(ctx, key)
	if err != nil {
		// Backend errors are treated as misses, never surfaced.
		ac.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		return nil, 0, false
	}
	if !found {
		return nil, 0, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		ac.logger.Warn().Err(err).Str("key", key).Msg("corrupt cache entry")
		return nil, 0, false
	}

	remaining, ttlFound, err := ac.store.TTL(ctx, key)
	if err != nil {
		ac.logger.Warn().Err(err).Str("key", key).Msg("cache ttl lookup failed")
	}

	entry.AccessCount++
	entry.LastAccess = time.Now()
	// The key may expire between the Get and the TTL lookup. Writing back
	// with a zero TTL would store the entry without expiry, so only rewrite
	// while the store still reports a live countdown.
	if ttlFound && remaining > 0 {
		if updated, err := json.Marshal(&entry); err == nil {
			if err := ac.store.Set(ctx, key, updated, remaining); err != nil {
				ac.logger.Debug().Err(err).Str("key", key).Msg("access metadata write-back failed")
			}
		}
	}

	return &entry, remaining, true
}

// SetEnhanced stores data under key wrapped in a fresh metadata envelope.
// The TTL comes from the per-data-type policy, scaled if the key is under a
// rate-limit cooldown; a non-zero customTTL overrides the policy.
func (ac *AdaptiveCache) SetEnhanced(ctx context.Context, key string, data json.RawMessage, dataType string, customTTL time.Duration) error {
	rateLimited := ac.IsRateLimited(key)
	ttl := ac.ttlFor(dataType, rateLimited, customTTL)

	entry := Entry{
		Data:        data,
		Timestamp:   time.Now(),
		OriginalTTL: ttl,
		CurrentTTL:  ttl,
		LastAccess:  time.Now(),
		RateLimited: rateLimited,
		DataType:    dataType,
	}

	raw, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	return ac.store.Set(ctx, key, raw, ttl)
}

// MarkRateLimited puts key under a rate-limit cooldown for the given
// duration. While the cooldown holds, SetEnhanced applies the rate-limited
// TTL policy to that key.
func (ac *AdaptiveCache) MarkRateLimited(key string, duration time.Duration) {
	ac.statsMu.Lock()
	ac.rateLimitEvents++
	ac.statsMu.Unlock()

	ac.rateMu.Lock()
	defer ac.rateMu.Unlock()

	if timer, ok := ac.rateLimits[key]; ok {
		timer.Stop()
	}
	ac.rateLimits[key] = time.AfterFunc(duration, func() {
		ac.rateMu.Lock()
		delete(ac.rateLimits, key)
		ac.rateMu.Unlock()
	})

	ac.logger.Info().Str("key", key).Dur("cooldown", duration).Msg("key marked rate limited")
}

// IsRateLimited reports whether key is under a rate-limit cooldown.
func (ac *AdaptiveCache) IsRateLimited(key string) bool {
	ac.rateMu.Lock()
	defer ac.rateMu.Unlock()
	_, ok := ac.rateLimits[key]
	return ok
}

// InvalidateByPattern removes all entries matching a glob pattern.
func (ac *AdaptiveCache) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	return ac.store.DeletePattern(ctx, pattern)
}

// Store exposes the backing store for components that sample it directly.
func (ac *AdaptiveCache) Store() Store {
	return ac.store
}

// Metrics returns a snapshot of the rolling metrics and counters.
func (ac *AdaptiveCache) Metrics() Metrics {
	ac.statsMu.Lock()
	defer ac.statsMu.Unlock()

	m := Metrics{
		HitRate:                ac.hitRate,
		MissRate:               ac.missRate,
		ErrorRate:              ac.errorRate,
		ResponseTimeMs:         ac.responseTime,
		TotalRequests:          ac.totalRequests,
		Hits:                   ac.hits,
		Misses:                 ac.misses,
		BackgroundRefreshes:    ac.backgroundRefreshes,
		RateLimitEvents:        ac.rateLimitEvents,
		AdaptiveTTLAdjustments: ac.adaptiveTTLAdjustments,
	}
	if ac.warmer != nil {
		m.WarmingTasks = ac.warmer.InflightCount()
	}
	return m
}

// Close cancels all pending rate-limit expiry timers. Idempotent.
func (ac *AdaptiveCache) Close() {
	ac.closeOnce.Do(func() {
		ac.rateMu.Lock()
		defer ac.rateMu.Unlock()
		for key, timer := range ac.rateLimits {
			timer.Stop()
			delete(ac.rateLimits, key)
		}
	})
}

// ttlFor computes the effective TTL for a write.
func (ac *AdaptiveCache) ttlFor(dataType string, rateLimited bool, customTTL time.Duration) time.Duration {
	if customTTL > 0 {
		return customTTL
	}

	ttl, ok := ac.cfg.DefaultTTL[dataType]
	if !ok {
		ttl = ac.cfg.FallbackTTL
	}
	if rateLimited {
		ttl = time.Duration(float64(ttl) * ac.cfg.RateLimitedTTLFactor)
		ac.statsMu.Lock()
		ac.adaptiveTTLAdjustments++
		ac.statsMu.Unlock()
	}
	return ttl
}

// markBackgroundRefresh is called by the warmer on each successful refresh.
func (ac *AdaptiveCache) markBackgroundRefresh() {
	ac.statsMu.Lock()
	ac.backgroundRefreshes++
	ac.statsMu.Unlock()
}

// setWarmingFlag toggles the IsWarming marker on an entry, preserving its
// remaining TTL. Best-effort.
func (ac *AdaptiveCache) setWarmingFlag(ctx context.Context, key string, warming bool) {
	raw, found, err := ac.store.Get(ctx, key)
	if err != nil || !found {
		return
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return
	}
	entry.IsWarming = warming

	remaining, ttlFound, err := ac.store.TTL(ctx, key)
	if err != nil || !ttlFound || remaining <= 0 {
		return
	}
	if updated, err := json.Marshal(&entry); err == nil {
		_ = ac.store.Set(ctx, key, updated, remaining)
	}
}

// peekEntry reads an entry without touching its access metadata. Used by
// the background refresh sweep.
func (ac *AdaptiveCache) peekEntry(ctx context.Context, key string) (*Entry, time.Duration, bool) {
	raw, found, err := ac.store.Get(ctx, key)
	if err != nil || !found {
		return nil, 0, false
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, 0, false
	}
	remaining, _, err := ac.store.TTL(ctx, key)
	if err != nil {
		return nil, 0, false
	}
	return &entry, remaining, true
}

func (ac *AdaptiveCache) recordHit(elapsed time.Duration) {
	ac.statsMu.Lock()
	defer ac.statsMu.Unlock()
	ac.totalRequests++
	ac.hits++
	ac.hitRate = ac.hitRate*emaWeight + 100*(1-emaWeight)
	ac.responseTime = ac.responseTime*emaWeight + float64(elapsed.Milliseconds())*(1-emaWeight)
}

func (ac *AdaptiveCache) recordMiss() {
	ac.statsMu.Lock()
	defer ac.statsMu.Unlock()
	ac.totalRequests++
	ac.misses++
	ac.missRate = ac.missRate*emaWeight + 100*(1-emaWeight)
}

func (ac *AdaptiveCache) recordError() {
	ac.statsMu.Lock()
	defer ac.statsMu.Unlock()
	ac.errorRate = ac.errorRate*emaWeight + 100*(1-emaWeight)
}

func (ac *AdaptiveCache) recordResponseTime(elapsed time.Duration) {
	ac.statsMu.Lock()
	defer ac.statsMu.Unlock()
	ac.responseTime = ac.responseTime*emaWeight + float64(elapsed.Milliseconds())*(1-emaWeight)
}

// SetRecorder installs the per-key access recorder. It must be called
// before the cache starts serving traffic; the monitor engine is created
// after the cache it samples, so it cannot be passed via Config.
func (ac *AdaptiveCache) SetRecorder(r AccessRecorder) {
	ac.recorder = r
}

func (ac *AdaptiveCache) recordKeyAccess(key string, hit bool, size int) {
	if ac.recorder != nil {
		ac.recorder.RecordKeyAccess(key, hit, size)
	}
}
