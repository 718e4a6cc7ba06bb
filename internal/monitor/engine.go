// Package monitor samples the adaptive cache layer and its backing store,
// keeps a bounded history of performance snapshots, raises and resolves
// threshold alerts, and assembles the dashboard views.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketdash/marketdash/internal/cache"
)

// Fixed alert ids, one per rule. An id has at most one unresolved alert at
// any time.
const (
	AlertHitRateLow       = "hit-rate-low"
	AlertResponseTimeHigh = "response-time-high"
	AlertErrorRateHigh    = "error-rate-high"
	AlertMemoryUsageHigh  = "memory-usage-high"
)

// Alert severities. Severity is fixed when the alert opens and is not
// re-evaluated while the breach persists.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// resolvedAlertMaxAge is how long resolved alerts are kept before purging.
const resolvedAlertMaxAge = 24 * time.Hour

// Thresholds are the warning bands for the four alert rules. The critical
// band is half the hit-rate threshold and double the others.
type Thresholds struct {
	// HitRateBelowPct opens an alert when the rolling hit rate drops below
	// this percentage.
	// Default: 50
	HitRateBelowPct float64

	// ResponseTimeAboveMs opens an alert when the rolling response time
	// exceeds this many milliseconds.
	// Default: 1000
	ResponseTimeAboveMs float64

	// ErrorRateAbovePct opens an alert when the rolling error rate exceeds
	// this percentage.
	// Default: 10
	ErrorRateAbovePct float64

	// MemoryAboveBytes opens an alert when the store reports more resident
	// bytes than this.
	// Default: 100 MiB
	MemoryAboveBytes int64
}

// DefaultThresholds returns the default alert thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HitRateBelowPct:     50,
		ResponseTimeAboveMs: 1000,
		ErrorRateAbovePct:   10,
		MemoryAboveBytes:    100 << 20,
	}
}

// Snapshot is one monitoring tick's view of the cache subsystem.
type Snapshot struct {
	Timestamp              time.Time `json:"timestamp"`
	HitRate                float64   `json:"hitRate"`
	MissRate               float64   `json:"missRate"`
	ResponseTimeMs         float64   `json:"responseTime"`
	ErrorRate              float64   `json:"errorRate"`
	Throughput             float64   `json:"throughput"`
	MemoryBytes            int64     `json:"memoryUsage"`
	StoreAvailable         bool      `json:"storeAvailable"`
	StoreKeys              int64     `json:"storeKeys"`
	WarmingTasks           int       `json:"warmingTasks"`
	BackgroundRefreshes    int64     `json:"backgroundRefreshes"`
	RateLimitEvents        int64     `json:"rateLimitEvents"`
	AdaptiveTTLAdjustments int64     `json:"adaptiveTTLAdjustments"`
}

// Alert is a condition-breach record with an open/resolved lifecycle.
type Alert struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// KeyStats is the per-key access record behind the top-keys view.
type KeyStats struct {
	Key        string    `json:"key"`
	Hits       int64     `json:"hits"`
	Misses     int64     `json:"misses"`
	SizeBytes  int       `json:"sizeBytes"`
	LastAccess time.Time `json:"lastAccess"`
}

// DashboardData is the assembled cache-dashboard payload.
type DashboardData struct {
	CurrentMetrics    *Snapshot      `json:"currentMetrics"`
	HistoricalMetrics []Snapshot     `json:"historicalMetrics"`
	ActiveAlerts      []Alert        `json:"activeAlerts"`
	TopKeys           []KeyStats     `json:"topKeys"`
	CacheDistribution map[string]int `json:"cacheDistribution"`
}

// PerformanceSummary is the condensed health view.
type PerformanceSummary struct {
	Uptime          string  `json:"uptime"`
	Snapshots       int     `json:"snapshots"`
	AvgHitRate      float64 `json:"avgHitRate"`
	AvgResponseTime float64 `json:"avgResponseTimeMs"`
	AvgErrorRate    float64 `json:"avgErrorRate"`
	ActiveAlerts    int     `json:"activeAlerts"`
	StoreAvailable  bool    `json:"storeAvailable"`
}

// EngineConfig holds configuration for the monitoring engine.
type EngineConfig struct {
	// Cache is the adaptive cache layer to sample.
	Cache *cache.AdaptiveCache

	// Store is the cache backend to sample.
	Store cache.Store

	// Logger for monitoring events.
	Logger zerolog.Logger

	// Interval between monitoring ticks.
	// Default: 60 seconds
	Interval time.Duration

	// RetentionDays bounds the snapshot history.
	// Default: 7
	RetentionDays int

	// Thresholds for the alert rules.
	Thresholds Thresholds

	// DistributionPatterns are the per-data-type glob patterns counted in
	// the cache distribution view.
	DistributionPatterns []string
}

// Engine is the metrics and alert engine.
type Engine struct {
	cache      *cache.AdaptiveCache
	store      cache.Store
	logger     zerolog.Logger
	interval   time.Duration
	retention  time.Duration
	thresholds Thresholds
	patterns   []string
	startedAt  time.Time

	mu        sync.Mutex
	history   []Snapshot
	alerts    map[string]*Alert
	keyStats  map[string]*KeyStats
	prevTotal int64
	prevTick  time.Time
}

// NewEngine creates the monitoring engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 7
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}

	return &Engine{
		cache:      cfg.Cache,
		store:      cfg.Store,
		logger:     cfg.Logger,
		interval:   cfg.Interval,
		retention:  time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		thresholds: cfg.Thresholds,
		patterns:   cfg.DistributionPatterns,
		startedAt:  time.Now(),
		alerts:     make(map[string]*Alert),
		keyStats:   make(map[string]*KeyStats),
	}
}

// Run samples on a fixed tick until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Collect(ctx)
		}
	}
}

// Collect performs one monitoring tick: sample, append, prune, evaluate.
func (e *Engine) Collect(ctx context.Context) Snapshot {
	metrics := e.cache.Metrics()
	storeHealth := e.store.HealthCheck(ctx)
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	throughput := 0.0
	if !e.prevTick.IsZero() {
		elapsed := now.Sub(e.prevTick).Seconds()
		if elapsed > 0 {
			throughput = float64(metrics.TotalRequests-e.prevTotal) / elapsed
		}
	}
	e.prevTotal = metrics.TotalRequests
	e.prevTick = now

	snapshot := Snapshot{
		Timestamp:              now,
		HitRate:                metrics.HitRate,
		MissRate:               metrics.MissRate,
		ResponseTimeMs:         metrics.ResponseTimeMs,
		ErrorRate:              metrics.ErrorRate,
		Throughput:             throughput,
		MemoryBytes:            storeHealth.MemoryBytes,
		StoreAvailable:         storeHealth.Available,
		StoreKeys:              storeHealth.Keys,
		WarmingTasks:           metrics.WarmingTasks,
		BackgroundRefreshes:    metrics.BackgroundRefreshes,
		RateLimitEvents:        metrics.RateLimitEvents,
		AdaptiveTTLAdjustments: metrics.AdaptiveTTLAdjustments,
	}
	e.history = append(e.history, snapshot)
	e.pruneHistoryLocked(now)
	e.evaluateRulesLocked(snapshot, metrics.TotalRequests)
	e.purgeResolvedAlertsLocked(now)

	return snapshot
}

// RecordKeyAccess maintains the per-key stats behind the top-keys view.
// It implements cache.AccessRecorder.
func (e *Engine) RecordKeyAccess(key string, hit bool, size int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats, ok := e.keyStats[key]
	if !ok {
		stats = &KeyStats{Key: key}
		e.keyStats[key] = stats
	}
	if hit {
		stats.Hits++
	} else {
		stats.Misses++
	}
	stats.SizeBytes = size
	stats.LastAccess = time.Now()
}

// TopKeys returns the ten most-accessed keys.
func (e *Engine) TopKeys() []KeyStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.topKeysLocked()
}

// ActiveAlerts returns all unresolved alerts.
func (e *Engine) ActiveAlerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeAlertsLocked()
}

// DashboardData assembles the cache dashboard payload.
func (e *Engine) DashboardData(ctx context.Context) DashboardData {
	distribution := make(map[string]int, len(e.patterns))
	for _, pattern := range e.patterns {
		keys, err := e.store.Keys(ctx, pattern)
		if err != nil {
			e.logger.Warn().Err(err).Str("pattern", pattern).Msg("distribution scan failed")
			continue
		}
		distribution[pattern] = len(keys)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	data := DashboardData{
		ActiveAlerts:      e.activeAlertsLocked(),
		TopKeys:           e.topKeysLocked(),
		CacheDistribution: distribution,
	}
	if n := len(e.history); n > 0 {
		current := e.history[n-1]
		data.CurrentMetrics = &current

		limit := 100
		if n < limit {
			limit = n
		}
		data.HistoricalMetrics = append([]Snapshot(nil), e.history[n-limit:]...)
	}
	return data
}

// Summary returns the condensed performance view.
func (e *Engine) Summary() PerformanceSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	summary := PerformanceSummary{
		Uptime:       time.Since(e.startedAt).Round(time.Second).String(),
		Snapshots:    len(e.history),
		ActiveAlerts: len(e.activeAlertsLocked()),
	}
	if len(e.history) == 0 {
		return summary
	}

	var hit, rt, errRate float64
	for _, s := range e.history {
		hit += s.HitRate
		rt += s.ResponseTimeMs
		errRate += s.ErrorRate
	}
	n := float64(len(e.history))
	summary.AvgHitRate = hit / n
	summary.AvgResponseTime = rt / n
	summary.AvgErrorRate = errRate / n
	summary.StoreAvailable = e.history[len(e.history)-1].StoreAvailable
	return summary
}

func (e *Engine) pruneHistoryLocked(now time.Time) {
	cutoff := now.Add(-e.retention)
	idx := 0
	for idx < len(e.history) && e.history[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		e.history = append([]Snapshot(nil), e.history[idx:]...)
	}
}

// evaluateRulesLocked applies the four threshold rules. A rule transitioning
// into breach opens exactly one alert; a rule transitioning out resolves it.
// Sustained breaches neither duplicate the alert nor re-evaluate severity.
func (e *Engine) evaluateRulesLocked(s Snapshot, totalRequests int64) {
	t := e.thresholds

	// The hit-rate rule stays quiet until traffic has flowed, otherwise a
	// fresh process alerts on its initial zero EMA.
	if totalRequests > 0 {
		e.transitionLocked(AlertHitRateLow, s.HitRate < t.HitRateBelowPct,
			s.HitRate < t.HitRateBelowPct/2,
			fmt.Sprintf("cache hit rate %.1f%% below threshold %.1f%%", s.HitRate, t.HitRateBelowPct))
	}

	e.transitionLocked(AlertResponseTimeHigh, s.ResponseTimeMs > t.ResponseTimeAboveMs,
		s.ResponseTimeMs > t.ResponseTimeAboveMs*2,
		fmt.Sprintf("response time %.0fms above threshold %.0fms", s.ResponseTimeMs, t.ResponseTimeAboveMs))

	e.transitionLocked(AlertErrorRateHigh, s.ErrorRate > t.ErrorRateAbovePct,
		s.ErrorRate > t.ErrorRateAbovePct*2,
		fmt.Sprintf("error rate %.1f%% above threshold %.1f%%", s.ErrorRate, t.ErrorRateAbovePct))

	e.transitionLocked(AlertMemoryUsageHigh, s.MemoryBytes > t.MemoryAboveBytes,
		s.MemoryBytes > t.MemoryAboveBytes*2,
		fmt.Sprintf("cache memory %d bytes above threshold %d", s.MemoryBytes, t.MemoryAboveBytes))
}

func (e *Engine) transitionLocked(id string, breached, critical bool, message string) {
	existing, open := e.alerts[id]
	open = open && !existing.Resolved

	switch {
	case breached && !open:
		severity := SeverityWarning
		if critical {
			severity = SeverityCritical
		}
		e.alerts[id] = &Alert{
			ID:        id,
			Type:      id,
			Severity:  severity,
			Message:   message,
			Timestamp: time.Now(),
		}
		e.logger.Warn().Str("alert", id).Str("severity", severity).Msg(message)

	case !breached && open:
		now := time.Now()
		existing.Resolved = true
		existing.ResolvedAt = &now
		e.logger.Info().Str("alert", id).Msg("alert resolved")
	}
}

func (e *Engine) purgeResolvedAlertsLocked(now time.Time) {
	for id, alert := range e.alerts {
		if alert.Resolved && alert.ResolvedAt != nil && now.Sub(*alert.ResolvedAt) > resolvedAlertMaxAge {
			delete(e.alerts, id)
		}
	}
}

func (e *Engine) activeAlertsLocked() []Alert {
	out := make([]Alert, 0, len(e.alerts))
	for _, alert := range e.alerts {
		if !alert.Resolved {
			out = append(out, *alert)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (e *Engine) topKeysLocked() []KeyStats {
	out := make([]KeyStats, 0, len(e.keyStats))
	for _, stats := range e.keyStats {
		out = append(out, *stats)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Hits+out[i].Misses > out[j].Hits+out[j].Misses
	})
	if len(out) > 10 {
		out = out[:10]
	}
	return out
}
