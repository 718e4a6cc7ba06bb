package market

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by provider adapters.
var (
	// ErrSymbolNotFound is returned when a provider has no data for a symbol.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrRateLimited is returned when a provider rejects a request due to
	// rate limiting.
	ErrRateLimited = errors.New("provider rate limited")
)

// HealthStatus is the outcome of a provider health probe.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult is the result of a provider health probe.
type HealthCheckResult struct {
	Status  HealthStatus  `json:"status"`
	Latency time.Duration `json:"latency"`
	Err     string        `json:"error,omitempty"`
}

// Healthy reports whether the probe succeeded.
func (r HealthCheckResult) Healthy() bool {
	return r.Status == StatusHealthy
}

// Provider is the adapter contract implemented by each upstream data source.
// Implementations must honor context cancellation on every call.
type Provider interface {
	// Name returns the source identifier used in the registry.
	Name() string

	// GetQuote fetches the current quote for a symbol.
	GetQuote(ctx context.Context, symbol string) (*Quote, error)

	// GetHistoricalData fetches an OHLCV series for a symbol.
	GetHistoricalData(ctx context.Context, symbol, period, interval string) (*HistoricalSeries, error)

	// SearchSymbols looks up symbols matching a free-text query.
	SearchSymbols(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// GetMarketSummary fetches quotes for the major indices.
	GetMarketSummary(ctx context.Context) (*MarketSummary, error)

	// HealthCheck probes the provider's own health endpoint. It never
	// returns an error; failures are reported in the result.
	HealthCheck(ctx context.Context) HealthCheckResult

	// Stats returns implementation-defined diagnostics.
	Stats() map[string]any
}
