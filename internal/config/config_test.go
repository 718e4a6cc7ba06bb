package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marketdash/marketdash/internal/market"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 5*time.Minute, cfg.HealthSweepInterval)

	assert.Equal(t, 3, cfg.Aggregation.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Aggregation.Timeout)
	assert.True(t, cfg.Aggregation.FallbackEnabled)
	assert.Empty(t, cfg.Aggregation.PreferredSource)

	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 60*time.Second, cfg.Cache.DefaultTTL[market.DataTypeQuote])
	assert.Equal(t, 30*time.Minute, cfg.Cache.DefaultTTL[market.DataTypeHistorical])
	assert.Equal(t, 10*time.Minute, cfg.Cache.DefaultTTL[market.DataTypeSearch])
	assert.Equal(t, 2*time.Minute, cfg.Cache.DefaultTTL[market.DataTypeSummary])
	assert.Equal(t, 0.2, cfg.Cache.WarmThreshold)
	assert.Equal(t, 2.0, cfg.Cache.RateLimitedTTLFactor)
	assert.Equal(t, 5*time.Minute, cfg.Cache.RateLimitCooldown)

	assert.Equal(t, []string{"quote:*", "summary:*"}, cfg.Cache.BackgroundRefresh.PriorityKeyPatterns)
	assert.Equal(t, float64(50), cfg.Cache.Monitoring.AlertThresholds.HitRateBelowPct)
	assert.Equal(t, int64(100<<20), cfg.Cache.Monitoring.AlertThresholds.MemoryAboveBytes)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("APP_PORT", "9090")
	t.Setenv("AGG_FALLBACK_ENABLED", "false")
	t.Setenv("AGG_PREFERRED_SOURCE", "stooq")
	t.Setenv("CACHE_BACKEND", "redis")
	t.Setenv("CACHE_TTL_QUOTE", "30s")
	t.Setenv("CACHE_WARM_THRESHOLD", "0.5")
	t.Setenv("REFRESH_PRIORITY_PATTERNS", "quote:*, history:*")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")

	cfg := FromEnv()

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.Aggregation.FallbackEnabled)
	assert.Equal(t, "stooq", cfg.Aggregation.PreferredSource)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 30*time.Second, cfg.Cache.DefaultTTL[market.DataTypeQuote])
	assert.Equal(t, 0.5, cfg.Cache.WarmThreshold)
	assert.Equal(t, []string{"quote:*", "history:*"}, cfg.Cache.BackgroundRefresh.PriorityKeyPatterns)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
}

func TestFromEnv_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("AGG_MAX_RETRIES", "many")
	t.Setenv("AGG_TIMEOUT", "soon")
	t.Setenv("CACHE_WARM_THRESHOLD", "a fifth")
	t.Setenv("REFRESH_ENABLED", "yep")

	cfg := FromEnv()

	assert.Equal(t, 3, cfg.Aggregation.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Aggregation.Timeout)
	assert.Equal(t, 0.2, cfg.Cache.WarmThreshold)
	assert.True(t, cfg.Cache.BackgroundRefresh.Enabled)
}
