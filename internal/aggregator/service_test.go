package aggregator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketdash/marketdash/internal/cache"
	"github.com/marketdash/marketdash/internal/market"
)

// fakeProvider is a configurable market.Provider for orchestration tests.
type fakeProvider struct {
	name     string
	quoteErr error
	delay    time.Duration
	healthy  bool
	calls    atomic.Int64
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) GetQuote(ctx context.Context, symbol string) (*market.Quote, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return &market.Quote{Symbol: symbol, Price: 42.5, Source: f.name}, nil
}

func (f *fakeProvider) GetHistoricalData(ctx context.Context, symbol, period, interval string) (*market.HistoricalSeries, error) {
	f.calls.Add(1)
	return &market.HistoricalSeries{Symbol: symbol, Period: period, Interval: interval, Source: f.name}, nil
}

func (f *fakeProvider) SearchSymbols(ctx context.Context, query string, limit int) ([]market.SearchResult, error) {
	f.calls.Add(1)
	return []market.SearchResult{{Symbol: "AAPL", Name: "Apple Inc."}}, nil
}

func (f *fakeProvider) GetMarketSummary(ctx context.Context) (*market.MarketSummary, error) {
	f.calls.Add(1)
	return &market.MarketSummary{Source: f.name}, nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context) market.HealthCheckResult {
	status := market.StatusUnhealthy
	if f.healthy {
		status = market.StatusHealthy
	}
	return market.HealthCheckResult{Status: status, Latency: time.Millisecond}
}

func (f *fakeProvider) Stats() map[string]any {
	return map[string]any{"requests": f.calls.Load()}
}

func newTestService(t *testing.T, providers ...market.Provider) (*Service, *Registry) {
	t.Helper()

	sources := make([]SourceConfig, len(providers))
	for i, p := range providers {
		sources[i] = SourceConfig{Name: p.Name(), Priority: i + 1}
	}
	registry := NewRegistry(sources...)

	svc := NewService(ServiceConfig{
		Registry:       registry,
		Providers:      providers,
		Logger:         zerolog.Nop(),
		DefaultTimeout: time.Second,
	})
	return svc, registry
}

func TestGetQuote_FirstSourceWins(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	secondary := &fakeProvider{name: "secondary"}
	svc, registry := newTestService(t, primary, secondary)

	quote, err := svc.GetQuote(context.Background(), "AAPL", Options{})
	require.NoError(t, err)
	assert.Equal(t, "primary", quote.Source)
	assert.Equal(t, int64(0), secondary.calls.Load(), "secondary must not be tried after a success")

	src, _ := registry.Get("primary")
	assert.Equal(t, 1, src.SuccessCount)
}

func TestGetQuote_FallsBackOnError(t *testing.T) {
	primary := &fakeProvider{name: "primary", quoteErr: errors.New("boom")}
	secondary := &fakeProvider{name: "secondary"}
	svc, registry := newTestService(t, primary, secondary)

	quote, err := svc.GetQuote(context.Background(), "AAPL", Options{})
	require.NoError(t, err)
	assert.Equal(t, "secondary", quote.Source)

	src, _ := registry.Get("primary")
	assert.Equal(t, 1, src.ErrorCount)
	assert.Equal(t, 95, src.HealthScore)
}

func TestGetQuote_AllSourcesFail(t *testing.T) {
	primary := &fakeProvider{name: "primary", quoteErr: errors.New("boom")}
	secondary := &fakeProvider{name: "secondary", quoteErr: errors.New("also boom")}
	svc, _ := newTestService(t, primary, secondary)

	_, err := svc.GetQuote(context.Background(), "AAPL", Options{})
	require.Error(t, err)

	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, "secondary", srcErr.Source, "error reflects the last attempt")
	assert.Equal(t, "getQuote", srcErr.Op)
	assert.False(t, srcErr.Timeout)
}

func TestGetQuote_AllSourcesInactive(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	svc, registry := newTestService(t, primary)
	registry.SetSourceStatus("primary", false)

	_, err := svc.GetQuote(context.Background(), "AAPL", Options{})
	assert.ErrorIs(t, err, ErrAllSourcesExhausted)
	assert.Equal(t, int64(0), primary.calls.Load())
}

func TestGetQuote_PreferredSourceTriedFirst(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	secondary := &fakeProvider{name: "secondary"}
	svc, _ := newTestService(t, primary, secondary)

	quote, err := svc.GetQuote(context.Background(), "AAPL", Options{PreferredSource: "secondary"})
	require.NoError(t, err)
	assert.Equal(t, "secondary", quote.Source)
	assert.Equal(t, int64(0), primary.calls.Load())
}

func TestGetQuote_UnknownPreferredIgnored(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	svc, _ := newTestService(t, primary)

	quote, err := svc.GetQuote(context.Background(), "AAPL", Options{PreferredSource: "bloomberg"})
	require.NoError(t, err)
	assert.Equal(t, "primary", quote.Source)
}

func TestGetQuote_FallbackDisabledStopsAtFirstFailure(t *testing.T) {
	primary := &fakeProvider{name: "primary", quoteErr: errors.New("boom")}
	secondary := &fakeProvider{name: "secondary"}
	svc, _ := newTestService(t, primary, secondary)

	_, err := svc.GetQuote(context.Background(), "AAPL", DisableFallback())
	require.Error(t, err)

	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, "primary", srcErr.Source)
	assert.Equal(t, int64(0), secondary.calls.Load())
}

func TestGetQuote_FallbackDisabledDoesNotSkipInactive(t *testing.T) {
	// With fallback disabled the inactive-source skip does not apply, so a
	// quarantined source still receives the request.
	primary := &fakeProvider{name: "primary"}
	svc, registry := newTestService(t, primary)
	registry.SetSourceStatus("primary", false)

	quote, err := svc.GetQuote(context.Background(), "AAPL", DisableFallback())
	require.NoError(t, err)
	assert.Equal(t, "primary", quote.Source)
	assert.Equal(t, int64(1), primary.calls.Load())
}

func TestGetQuote_ServiceDefaultFallbackDisabled(t *testing.T) {
	primary := &fakeProvider{name: "primary", quoteErr: errors.New("boom")}
	secondary := &fakeProvider{name: "secondary"}

	registry := NewRegistry(
		SourceConfig{Name: "primary", Priority: 1},
		SourceConfig{Name: "secondary", Priority: 2},
	)
	disabled := false
	svc := NewService(ServiceConfig{
		Registry:               registry,
		Providers:              []market.Provider{primary, secondary},
		Logger:                 zerolog.Nop(),
		DefaultTimeout:         time.Second,
		DefaultFallbackEnabled: &disabled,
	})

	// A request that leaves the flag unset inherits the service default.
	_, err := svc.GetQuote(context.Background(), "AAPL", Options{})
	require.Error(t, err)
	assert.Equal(t, int64(0), secondary.calls.Load())

	// An explicit per-request override re-enables the chain.
	enabled := true
	quote, err := svc.GetQuote(context.Background(), "MSFT", Options{FallbackEnabled: &enabled})
	require.NoError(t, err)
	assert.Equal(t, "secondary", quote.Source)
}

func TestGetQuote_ServiceDefaultPreferredSource(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	secondary := &fakeProvider{name: "secondary"}

	registry := NewRegistry(
		SourceConfig{Name: "primary", Priority: 1},
		SourceConfig{Name: "secondary", Priority: 2},
	)
	svc := NewService(ServiceConfig{
		Registry:               registry,
		Providers:              []market.Provider{primary, secondary},
		Logger:                 zerolog.Nop(),
		DefaultTimeout:         time.Second,
		DefaultPreferredSource: "secondary",
	})

	quote, err := svc.GetQuote(context.Background(), "AAPL", Options{})
	require.NoError(t, err)
	assert.Equal(t, "secondary", quote.Source)

	// A per-request preference beats the service default.
	quote, err = svc.GetQuote(context.Background(), "MSFT", Options{PreferredSource: "primary"})
	require.NoError(t, err)
	assert.Equal(t, "primary", quote.Source)
}

func TestGetQuote_TimeoutTaggedAndFallsBack(t *testing.T) {
	slow := &fakeProvider{name: "slow", delay: 200 * time.Millisecond}
	fast := &fakeProvider{name: "fast"}

	registry := NewRegistry(
		SourceConfig{Name: "slow", Priority: 1},
		SourceConfig{Name: "fast", Priority: 2},
	)
	svc := NewService(ServiceConfig{
		Registry:       registry,
		Providers:      []market.Provider{slow, fast},
		Logger:         zerolog.Nop(),
		DefaultTimeout: 20 * time.Millisecond,
	})

	quote, err := svc.GetQuote(context.Background(), "AAPL", Options{})
	require.NoError(t, err)
	assert.Equal(t, "fast", quote.Source)

	src, _ := registry.Get("slow")
	assert.Equal(t, 1, src.ErrorCount)
}

func TestGetQuote_TimeoutErrorTagged(t *testing.T) {
	slow := &fakeProvider{name: "slow", delay: 200 * time.Millisecond}
	svc, _ := newTestService(t, slow)

	_, err := svc.GetQuote(context.Background(), "AAPL", Options{Timeout: 20 * time.Millisecond})
	require.Error(t, err)

	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.True(t, srcErr.Timeout)
}

func TestGetQuote_CachedSecondRead(t *testing.T) {
	primary := &fakeProvider{name: "primary"}

	registry := NewRegistry(SourceConfig{Name: "primary", Priority: 1})
	store := cache.NewMemoryStore(time.Minute)
	defer store.Close()
	adaptive := cache.NewAdaptiveCache(cache.Config{
		Store:  store,
		Logger: zerolog.Nop(),
	})
	defer adaptive.Close()

	svc := NewService(ServiceConfig{
		Registry:  registry,
		Providers: []market.Provider{primary},
		Logger:    zerolog.Nop(),
		Cache:     adaptive,
	})

	ctx := context.Background()
	first, err := svc.GetQuote(ctx, "AAPL", Options{})
	require.NoError(t, err)

	second, err := svc.GetQuote(ctx, "AAPL", Options{})
	require.NoError(t, err)

	assert.Equal(t, first.Price, second.Price)
	assert.Equal(t, int64(1), primary.calls.Load(), "second read must be served from cache")
}

func TestGetQuote_RateLimitedMarksKey(t *testing.T) {
	limited := &fakeProvider{name: "limited", quoteErr: market.ErrRateLimited}

	registry := NewRegistry(SourceConfig{Name: "limited", Priority: 1})
	store := cache.NewMemoryStore(time.Minute)
	defer store.Close()
	adaptive := cache.NewAdaptiveCache(cache.Config{
		Store:  store,
		Logger: zerolog.Nop(),
	})
	defer adaptive.Close()

	svc := NewService(ServiceConfig{
		Registry:          registry,
		Providers:         []market.Provider{limited},
		Logger:            zerolog.Nop(),
		Cache:             adaptive,
		RateLimitCooldown: time.Minute,
	})

	_, err := svc.GetQuote(context.Background(), "AAPL", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, market.ErrRateLimited)
	assert.True(t, adaptive.IsRateLimited(QuoteKey("AAPL")))
}

func TestCheckHealth_AppliesSweepScoring(t *testing.T) {
	healthy := &fakeProvider{name: "healthy", healthy: true}
	unhealthy := &fakeProvider{name: "unhealthy"}
	svc, registry := newTestService(t, healthy, unhealthy)

	results := svc.CheckHealth(context.Background())
	require.Len(t, results, 2)

	src, _ := registry.Get("healthy")
	assert.Equal(t, 100, src.HealthScore)

	src, _ = registry.Get("unhealthy")
	assert.Equal(t, 90, src.HealthScore)
	assert.True(t, src.IsActive, "sweep must not deactivate sources")
}

func TestGetHealthStatus_IncludesProbeResults(t *testing.T) {
	healthy := &fakeProvider{name: "healthy", healthy: true}
	svc, _ := newTestService(t, healthy)

	svc.CheckHealth(context.Background())

	status := svc.GetHealthStatus()
	require.Len(t, status, 1)
	assert.Equal(t, "healthy", status[0].Source.Name)
	assert.Equal(t, market.StatusHealthy, status[0].Check.Status)
}

func TestSetSourceStatus_UnknownSource(t *testing.T) {
	svc, _ := newTestService(t, &fakeProvider{name: "primary"})

	err := svc.SetSourceStatus("bloomberg", false)
	assert.ErrorIs(t, err, ErrUnknownSource)

	err = svc.ResetSourceStats("bloomberg")
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestStats_IncludesProviderDiagnostics(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	svc, _ := newTestService(t, primary)

	_, err := svc.GetQuote(context.Background(), "AAPL", Options{})
	require.NoError(t, err)

	stats := svc.Stats()
	entry, ok := stats["primary"].(map[string]any)
	require.True(t, ok)
	provider, ok := entry["provider"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(1), provider["requests"])
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "quote:AAPL", QuoteKey("aapl"))
	assert.Equal(t, "history:MSFT:1mo:1d", HistoryKey("msft", "1mo", "1d"))
	assert.Equal(t, "search:apple:10", SearchKey("Apple", 10))
	assert.Equal(t, "summary:market", SummaryKey())
}
