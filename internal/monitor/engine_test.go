package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketdash/marketdash/internal/cache"
)

func newTestEngine(t *testing.T, thresholds Thresholds) (*Engine, *cache.AdaptiveCache) {
	t.Helper()

	store := cache.NewMemoryStore(0)
	t.Cleanup(store.Close)

	ac := cache.NewAdaptiveCache(cache.Config{
		Store:      store,
		Logger:     zerolog.Nop(),
		DefaultTTL: map[string]time.Duration{"quote": time.Minute},
	})
	t.Cleanup(ac.Close)

	engine := NewEngine(EngineConfig{
		Cache:                ac,
		Store:                store,
		Logger:               zerolog.Nop(),
		Thresholds:           thresholds,
		DistributionPatterns: []string{"quote:*", "summary:*"},
	})
	return engine, ac
}

func fetchOK(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`1`), nil
}

func fetchErr(ctx context.Context) (json.RawMessage, error) {
	return nil, errors.New("upstream down")
}

// drive performs one miss followed by hits hits against the same key.
func drive(t *testing.T, ac *cache.AdaptiveCache, hits int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i <= hits; i++ {
		_, err := ac.GetWithWarming(ctx, "quote:AAPL", "quote", fetchOK)
		require.NoError(t, err)
	}
}

func TestCollect_SnapshotAndThroughput(t *testing.T) {
	engine, ac := newTestEngine(t, DefaultThresholds())

	drive(t, ac, 4)
	first := engine.Collect(context.Background())
	assert.Equal(t, float64(0), first.Throughput, "first tick has no baseline")
	assert.True(t, first.StoreAvailable)
	assert.Equal(t, int64(1), first.StoreKeys)
	assert.Greater(t, first.HitRate, 0.0)

	time.Sleep(20 * time.Millisecond)
	drive(t, ac, 4)
	second := engine.Collect(context.Background())
	assert.Greater(t, second.Throughput, 0.0)
}

func TestAlert_HitRateLifecycle(t *testing.T) {
	engine, ac := newTestEngine(t, DefaultThresholds())
	ctx := context.Background()

	// One miss only: hit rate EMA is 0, well inside the critical band.
	_, err := ac.GetWithWarming(ctx, "quote:AAPL", "quote", fetchOK)
	require.NoError(t, err)
	engine.Collect(ctx)

	alerts := engine.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertHitRateLow, alerts[0].ID)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	opened := alerts[0].Timestamp

	// Sustained breach: no duplicate, severity and timestamp unchanged even
	// though the hit rate has climbed out of the critical band.
	drive(t, ac, 3)
	engine.Collect(ctx)
	alerts = engine.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Equal(t, opened, alerts[0].Timestamp)

	// Enough hits push the rate over the threshold: the alert resolves.
	drive(t, ac, 30)
	engine.Collect(ctx)
	assert.Empty(t, engine.ActiveAlerts())
}

func TestAlert_QuietWithoutTraffic(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultThresholds())

	engine.Collect(context.Background())
	assert.Empty(t, engine.ActiveAlerts(), "zero-traffic process must not alert on hit rate")
}

func TestAlert_ErrorRateWarning(t *testing.T) {
	engine, ac := newTestEngine(t, DefaultThresholds())
	ctx := context.Background()

	// Two errors bring the error EMA to 19%: above the 10% warning band,
	// below the 20% critical band.
	for i := 0; i < 2; i++ {
		_, err := ac.GetWithWarming(ctx, "quote:FAIL", "quote", fetchErr)
		require.Error(t, err)
	}
	engine.Collect(ctx)

	var alert *Alert
	for _, a := range engine.ActiveAlerts() {
		if a.ID == AlertErrorRateHigh {
			a := a
			alert = &a
		}
	}
	require.NotNil(t, alert)
	assert.Equal(t, SeverityWarning, alert.Severity)
}

func TestAlert_MemoryUsage(t *testing.T) {
	engine, ac := newTestEngine(t, Thresholds{
		HitRateBelowPct:     50,
		ResponseTimeAboveMs: 1000,
		ErrorRateAbovePct:   10,
		MemoryAboveBytes:    1,
	})
	ctx := context.Background()

	require.NoError(t, ac.SetEnhanced(ctx, "quote:AAPL", json.RawMessage(`1`), "quote", 0))
	engine.Collect(ctx)

	found := false
	for _, a := range engine.ActiveAlerts() {
		if a.ID == AlertMemoryUsageHigh {
			found = true
			assert.Equal(t, SeverityCritical, a.Severity)
		}
	}
	assert.True(t, found)
}

func TestPurgeResolvedAlerts(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultThresholds())

	old := time.Now().Add(-25 * time.Hour)
	recent := time.Now().Add(-time.Hour)
	engine.alerts["stale"] = &Alert{ID: "stale", Resolved: true, ResolvedAt: &old}
	engine.alerts["fresh"] = &Alert{ID: "fresh", Resolved: true, ResolvedAt: &recent}

	engine.mu.Lock()
	engine.purgeResolvedAlertsLocked(time.Now())
	engine.mu.Unlock()

	assert.NotContains(t, engine.alerts, "stale")
	assert.Contains(t, engine.alerts, "fresh")
}

func TestTopKeys_LimitAndOrder(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultThresholds())

	for i := 0; i < 12; i++ {
		key := fmt.Sprintf("quote:SYM%d", i)
		for j := 0; j <= i; j++ {
			engine.RecordKeyAccess(key, j > 0, 100)
		}
	}

	top := engine.TopKeys()
	require.Len(t, top, 10)
	assert.Equal(t, "quote:SYM11", top[0].Key)
	assert.Equal(t, int64(11), top[0].Hits)
	assert.Equal(t, int64(1), top[0].Misses)
	for i := 1; i < len(top); i++ {
		prev := top[i-1].Hits + top[i-1].Misses
		cur := top[i].Hits + top[i].Misses
		assert.GreaterOrEqual(t, prev, cur)
	}
}

func TestDashboardData(t *testing.T) {
	engine, ac := newTestEngine(t, DefaultThresholds())
	ctx := context.Background()

	require.NoError(t, ac.SetEnhanced(ctx, "quote:AAPL", json.RawMessage(`1`), "quote", 0))
	require.NoError(t, ac.SetEnhanced(ctx, "quote:MSFT", json.RawMessage(`1`), "quote", 0))
	require.NoError(t, ac.SetEnhanced(ctx, "summary:market", json.RawMessage(`1`), "summary", 0))

	engine.Collect(ctx)
	engine.Collect(ctx)

	data := engine.DashboardData(ctx)
	require.NotNil(t, data.CurrentMetrics)
	assert.Len(t, data.HistoricalMetrics, 2)
	assert.Equal(t, 2, data.CacheDistribution["quote:*"])
	assert.Equal(t, 1, data.CacheDistribution["summary:*"])
}

func TestSummary(t *testing.T) {
	engine, ac := newTestEngine(t, DefaultThresholds())
	ctx := context.Background()

	summary := engine.Summary()
	assert.Equal(t, 0, summary.Snapshots)

	drive(t, ac, 5)
	engine.Collect(ctx)

	summary = engine.Summary()
	assert.Equal(t, 1, summary.Snapshots)
	assert.Greater(t, summary.AvgHitRate, 0.0)
	assert.True(t, summary.StoreAvailable)
}
