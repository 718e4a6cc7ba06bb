// Package api provides the HTTP API for MarketDash.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/marketdash/marketdash/internal/aggregator"
	"github.com/marketdash/marketdash/internal/api/handler"
	"github.com/marketdash/marketdash/internal/api/middleware"
	"github.com/marketdash/marketdash/internal/cache"
	"github.com/marketdash/marketdash/internal/monitor"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics
	Aggregator  *aggregator.Service
	Cache       *cache.AdaptiveCache
	Monitor     *monitor.Engine
	Store       cache.Store
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "marketdash-api"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)            // Generate/propagate request ID first
	r.Use(middleware.Tracing(serviceName)) // Distributed tracing
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware()) // HTTP metrics
	}
	r.Use(middleware.Logger(cfg.Logger))   // Structured logging
	r.Use(middleware.Recovery(cfg.Logger)) // Panic recovery
	r.Use(chimiddleware.RealIP)            // Real IP extraction
	r.Use(middleware.ContentTypeJSON)      // JSON content type

	opsHandler := handler.NewOpsHandler(cfg.Version, cfg.BuildTime, cfg.Store)
	marketHandler := handler.NewMarketHandler(cfg.Aggregator)
	sourcesHandler := handler.NewSourcesHandler(cfg.Aggregator)
	cacheHandler := handler.NewCacheHandler(cfg.Cache, cfg.Monitor)

	marketRateLimit := middleware.RateLimitByIP(middleware.MarketRateLimit) // 120 req/min
	adminRateLimit := middleware.RateLimitByIP(middleware.AdminRateLimit)   // 30 req/min

	r.Route("/v1", func(r chi.Router) {
		// Ops endpoints (unlimited)
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			r.Get("/status", opsHandler.SystemStatus)
		})

		// Market data endpoints, cache-backed
		r.Route("/market", func(r chi.Router) {
			r.Use(marketRateLimit)
			r.Get("/quote/{symbol}", marketHandler.GetQuote)
			r.Get("/history/{symbol}", marketHandler.GetHistory)
			r.Get("/search", marketHandler.Search)
			r.Get("/summary", marketHandler.GetSummary)
		})

		// Source registry inspection and administration
		r.Route("/sources", func(r chi.Router) {
			r.Use(adminRateLimit)
			r.Get("/", sourcesHandler.ListSources)
			r.Get("/health", sourcesHandler.GetHealth)
			r.With(middleware.RequireJSON).Put("/{name}/status", sourcesHandler.SetStatus)
			r.Post("/{name}/reset", sourcesHandler.ResetStats)
		})

		// Cache monitoring and administration
		r.Route("/cache", func(r chi.Router) {
			r.Use(adminRateLimit)
			r.Get("/dashboard", cacheHandler.Dashboard)
			r.Get("/summary", cacheHandler.Summary)
			r.Get("/metrics", cacheHandler.Metrics)
			r.Delete("/", cacheHandler.Purge)
		})
	})

	return r
}
