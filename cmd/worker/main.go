// Package main provides the entrypoint for the MarketDash refresh worker.
// The worker runs the health sweep and background cache refresh loops
// without serving the public API, and exposes a health endpoint for the
// container runtime.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketdash/marketdash/internal/aggregator"
	"github.com/marketdash/marketdash/internal/cache"
	"github.com/marketdash/marketdash/internal/config"
	"github.com/marketdash/marketdash/internal/market"
	"github.com/marketdash/marketdash/internal/market/stooq"
	"github.com/marketdash/marketdash/internal/market/yahoo"
	"github.com/marketdash/marketdash/internal/monitor"
	"github.com/marketdash/marketdash/internal/provider/resilience"
)

// Version and BuildTime are set at compile time via ldflags
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "marketdash-worker"

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting MarketDash worker")

	cfg := config.FromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The worker only makes sense against a shared backend; a process-local
	// memory store would warm a cache nobody reads.
	var store cache.Store
	switch cfg.Cache.Backend {
	case "redis":
		redisStore, err := cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect to redis")
		}
		defer redisStore.Close()
		store = redisStore
	default:
		log.Warn().Msg("memory backend selected; worker refreshes will not be visible to the API")
		memStore := cache.NewMemoryStore(time.Minute)
		defer memStore.Close()
		store = memStore
	}

	warmer := cache.NewWarmer(cache.WarmerConfig{
		Logger:        log,
		MaxConcurrent: cfg.Cache.Warming.MaxConcurrentWarming,
		RetryAttempts: cfg.Cache.Warming.RetryAttempts,
		RetryDelay:    cfg.Cache.Warming.RetryDelay,
	})
	defer warmer.Close()

	adaptiveCache := cache.NewAdaptiveCache(cache.Config{
		Store:                store,
		Logger:               log,
		DefaultTTL:           cfg.Cache.DefaultTTL,
		RateLimitedTTLFactor: cfg.Cache.RateLimitedTTLFactor,
		WarmThreshold:        cfg.Cache.WarmThreshold,
		Warmer:               warmer,
	})
	defer adaptiveCache.Close()

	yahooTransport := resilience.DefaultClientConfig(yahoo.ProviderName)
	yahooTransport.MaxRetries = uint64(cfg.Aggregation.MaxRetries)
	stooqTransport := resilience.DefaultClientConfig(stooq.ProviderName)
	stooqTransport.MaxRetries = uint64(cfg.Aggregation.MaxRetries)

	providers := []market.Provider{
		yahoo.NewClient(yahoo.ClientConfig{
			BaseURL:    cfg.Providers.YahooBaseURL,
			HTTPClient: resilience.NewClient(yahooTransport),
			Logger:     log,
		}),
		stooq.NewClient(stooq.ClientConfig{
			BaseURL:    cfg.Providers.StooqBaseURL,
			HTTPClient: resilience.NewClient(stooqTransport),
			Logger:     log,
		}),
	}

	registry := aggregator.NewRegistry(
		aggregator.SourceConfig{Name: yahoo.ProviderName, Priority: 1},
		aggregator.SourceConfig{Name: stooq.ProviderName, Priority: 2},
	)

	svc := aggregator.NewService(aggregator.ServiceConfig{
		Registry:               registry,
		Providers:              providers,
		Logger:                 log,
		DefaultTimeout:         cfg.Aggregation.Timeout,
		DefaultFallbackEnabled: &cfg.Aggregation.FallbackEnabled,
		DefaultPreferredSource: cfg.Aggregation.PreferredSource,
		Cache:                  adaptiveCache,
		RateLimitCooldown:      cfg.Cache.RateLimitCooldown,
	})
	svc.RegisterRefreshers(warmer)

	engine := monitor.NewEngine(monitor.EngineConfig{
		Cache:         adaptiveCache,
		Store:         store,
		Logger:        log,
		Interval:      cfg.Cache.Monitoring.Interval,
		RetentionDays: cfg.Cache.Monitoring.MetricsRetentionDays,
		Thresholds: monitor.Thresholds{
			HitRateBelowPct:     cfg.Cache.Monitoring.AlertThresholds.HitRateBelowPct,
			ResponseTimeAboveMs: cfg.Cache.Monitoring.AlertThresholds.ResponseTimeAboveMs,
			ErrorRateAbovePct:   cfg.Cache.Monitoring.AlertThresholds.ErrorRateAbovePct,
			MemoryAboveBytes:    cfg.Cache.Monitoring.AlertThresholds.MemoryAboveBytes,
		},
		DistributionPatterns: []string{"quote:*", "history:*", "search:*", "summary:*"},
	})
	adaptiveCache.SetRecorder(engine)

	go svc.RunHealthSweep(ctx, cfg.HealthSweepInterval)
	go engine.Run(ctx)
	go warmer.RunBackgroundRefresh(ctx, cache.RefreshConfig{
		Enabled:             cfg.Cache.BackgroundRefresh.Enabled,
		Interval:            cfg.Cache.BackgroundRefresh.Interval,
		BatchSize:           cfg.Cache.BackgroundRefresh.BatchSize,
		PriorityKeyPatterns: cfg.Cache.BackgroundRefresh.PriorityKeyPatterns,
	})
	log.Info().Msg("worker loops started")

	// Health endpoint for the container runtime
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","version":"%s"}`, Version)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("health server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("health server error")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("shutting down worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	log.Info().Msg("worker stopped")
}
