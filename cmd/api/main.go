// Package main provides the entrypoint for the MarketDash API server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketdash/marketdash/internal/aggregator"
	"github.com/marketdash/marketdash/internal/api"
	"github.com/marketdash/marketdash/internal/api/middleware"
	"github.com/marketdash/marketdash/internal/cache"
	"github.com/marketdash/marketdash/internal/config"
	"github.com/marketdash/marketdash/internal/market"
	"github.com/marketdash/marketdash/internal/market/stooq"
	"github.com/marketdash/marketdash/internal/market/yahoo"
	"github.com/marketdash/marketdash/internal/monitor"
	"github.com/marketdash/marketdash/internal/provider/resilience"
	"github.com/marketdash/marketdash/internal/telemetry"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "marketdash-api"

	// Setup structured logging
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting MarketDash API")

	cfg := config.FromEnv()

	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}

	// Initialize OpenTelemetry
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryEnabled := os.Getenv("OTEL_ENABLED") == "true"

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   otlpEndpoint,
		Enabled:        telemetryEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	if telemetryEnabled {
		log.Info().
			Str("otlp_endpoint", otlpEndpoint).
			Msg("OpenTelemetry initialized")
	}

	// Initialize metrics
	metrics, err := middleware.NewMetrics()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize metrics")
		os.Exit(1) //nolint:gocritic // intentional exit, telemetry cleanup is best-effort
	}

	// Select the cache backend
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
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis cache backend connected")
	default:
		memStore := cache.NewMemoryStore(time.Minute)
		defer memStore.Close()
		store = memStore
		log.Info().Msg("in-memory cache backend initialized")
	}

	// Warming scheduler and adaptive cache layer
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
	log.Info().Msg("adaptive cache initialized")

	// Market data providers behind resilient HTTP clients
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
	log.Info().Msg("aggregation service initialized")

	// Monitoring engine samples the cache layer and raises alerts
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

	// Background loops stop when the signal context is cancelled
	go svc.RunHealthSweep(ctx, cfg.HealthSweepInterval)
	go engine.Run(ctx)
	if cfg.Cache.BackgroundRefresh.Enabled {
		go warmer.RunBackgroundRefresh(ctx, cache.RefreshConfig{
			Enabled:             true,
			Interval:            cfg.Cache.BackgroundRefresh.Interval,
			BatchSize:           cfg.Cache.BackgroundRefresh.BatchSize,
			PriorityKeyPatterns: cfg.Cache.BackgroundRefresh.PriorityKeyPatterns,
		})
	}

	// Create router with configuration
	router := api.NewRouter(api.RouterConfig{
		Version:     Version,
		BuildTime:   BuildTime,
		Logger:      log,
		ServiceName: serviceName,
		Metrics:     metrics,
		Aggregator:  svc,
		Cache:       adaptiveCache,
		Monitor:     engine,
		Store:       store,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}

	log.Info().Msg("server stopped")
}
