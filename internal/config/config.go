// Package config provides the environment-driven configuration surface for
// the aggregation and caching subsystem.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/marketdash/marketdash/internal/market"
)

// AggregationOptions are the orchestrator defaults applied when a request
// does not override them.
type AggregationOptions struct {
	// MaxRetries is passed to the provider transport layer.
	MaxRetries int

	// Timeout bounds each individual provider attempt.
	Timeout time.Duration

	// FallbackEnabled controls whether later candidates are tried after a
	// failure.
	FallbackEnabled bool

	// PreferredSource, when set, is tried first for every request.
	PreferredSource string
}

// WarmingConfig configures the warming scheduler.
type WarmingConfig struct {
	MaxConcurrentWarming int
	RetryAttempts        int
	RetryDelay           time.Duration
}

// BackgroundRefreshConfig configures the periodic refresh sweep.
type BackgroundRefreshConfig struct {
	Enabled             bool
	Interval            time.Duration
	BatchSize           int
	PriorityKeyPatterns []string
}

// AlertThresholds are the monitoring alert warning bands.
type AlertThresholds struct {
	HitRateBelowPct     float64
	ResponseTimeAboveMs float64
	ErrorRateAbovePct   float64
	MemoryAboveBytes    int64
}

// MonitoringConfig configures the metrics and alert engine.
type MonitoringConfig struct {
	Interval             time.Duration
	MetricsRetentionDays int
	AlertThresholds      AlertThresholds
}

// CacheConfig is the full adaptive-cache configuration surface.
type CacheConfig struct {
	// Backend selects the store implementation: "memory" or "redis".
	Backend string

	// DefaultTTL maps data types to their base TTL.
	DefaultTTL map[string]time.Duration

	// WarmThreshold is the remaining-TTL fraction that triggers warming.
	WarmThreshold float64

	// RateLimitedTTLFactor scales TTLs for rate-limited keys.
	RateLimitedTTLFactor float64

	// RateLimitCooldown is how long a key stays under the rate-limited
	// policy after a provider reports throttling.
	RateLimitCooldown time.Duration

	Warming           WarmingConfig
	BackgroundRefresh BackgroundRefreshConfig
	Monitoring        MonitoringConfig
}

// ProvidersConfig holds per-provider overrides, mainly for pointing the
// adapters at stub servers.
type ProvidersConfig struct {
	YahooBaseURL string
	StooqBaseURL string
}

// RedisConfig holds the Redis backend settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config is the process-wide configuration.
type Config struct {
	Port        string
	Environment string

	HealthSweepInterval time.Duration

	Aggregation AggregationOptions
	Cache       CacheConfig
	Providers   ProvidersConfig
	Redis       RedisConfig
}

// FromEnv builds the configuration from environment variables with
// defaults suitable for local development.
func FromEnv() Config {
	return Config{
		Port:                getEnvOrDefault("APP_PORT", "8080"),
		Environment:         getEnvOrDefault("APP_ENV", "development"),
		HealthSweepInterval: durationEnv("HEALTH_SWEEP_INTERVAL", 5*time.Minute),
		Aggregation: AggregationOptions{
			MaxRetries:      intEnv("AGG_MAX_RETRIES", 3),
			Timeout:         durationEnv("AGG_TIMEOUT", 10*time.Second),
			FallbackEnabled: boolEnv("AGG_FALLBACK_ENABLED", true),
			PreferredSource: os.Getenv("AGG_PREFERRED_SOURCE"),
		},
		Cache: CacheConfig{
			Backend: getEnvOrDefault("CACHE_BACKEND", "memory"),
			DefaultTTL: map[string]time.Duration{
				market.DataTypeQuote:      durationEnv("CACHE_TTL_QUOTE", 60*time.Second),
				market.DataTypeHistorical: durationEnv("CACHE_TTL_HISTORICAL", 30*time.Minute),
				market.DataTypeSearch:     durationEnv("CACHE_TTL_SEARCH", 10*time.Minute),
				market.DataTypeSummary:    durationEnv("CACHE_TTL_SUMMARY", 2*time.Minute),
			},
			WarmThreshold:        floatEnv("CACHE_WARM_THRESHOLD", 0.2),
			RateLimitedTTLFactor: floatEnv("CACHE_RATE_LIMITED_TTL_FACTOR", 2.0),
			RateLimitCooldown:    durationEnv("CACHE_RATE_LIMIT_COOLDOWN", 5*time.Minute),
			Warming: WarmingConfig{
				MaxConcurrentWarming: intEnv("WARMING_MAX_CONCURRENT", 5),
				RetryAttempts:        intEnv("WARMING_RETRY_ATTEMPTS", 3),
				RetryDelay:           durationEnv("WARMING_RETRY_DELAY", time.Second),
			},
			BackgroundRefresh: BackgroundRefreshConfig{
				Enabled:             boolEnv("REFRESH_ENABLED", true),
				Interval:            durationEnv("REFRESH_INTERVAL", 5*time.Minute),
				BatchSize:           intEnv("REFRESH_BATCH_SIZE", 10),
				PriorityKeyPatterns: listEnv("REFRESH_PRIORITY_PATTERNS", []string{"quote:*", "summary:*"}),
			},
			Monitoring: MonitoringConfig{
				Interval:             durationEnv("MONITOR_INTERVAL", 60*time.Second),
				MetricsRetentionDays: intEnv("MONITOR_RETENTION_DAYS", 7),
				AlertThresholds: AlertThresholds{
					HitRateBelowPct:     floatEnv("ALERT_HIT_RATE_BELOW_PCT", 50),
					ResponseTimeAboveMs: floatEnv("ALERT_RESPONSE_TIME_ABOVE_MS", 1000),
					ErrorRateAbovePct:   floatEnv("ALERT_ERROR_RATE_ABOVE_PCT", 10),
					MemoryAboveBytes:    int64(intEnv("ALERT_MEMORY_ABOVE_BYTES", 100<<20)),
				},
			},
		},
		Providers: ProvidersConfig{
			YahooBaseURL: os.Getenv("YAHOO_BASE_URL"),
			StooqBaseURL: os.Getenv("STOOQ_BASE_URL"),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       intEnv("REDIS_DB", 0),
		},
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func intEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func floatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func boolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func durationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func listEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
