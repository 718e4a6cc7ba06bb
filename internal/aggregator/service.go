package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketdash/marketdash/internal/cache"
	"github.com/marketdash/marketdash/internal/market"
)

// Options are the per-request orchestration knobs. Unset fields fall back
// to the service-wide defaults from ServiceConfig.
type Options struct {
	// PreferredSource, when it names a known source, is tried first.
	PreferredSource string

	// FallbackEnabled, when set, overrides the service default. Disabling
	// fallback stops the chain at the first failure. Note: with fallback
	// disabled, inactive sources are NOT skipped — disabling fallback can
	// route a request to a quarantined source. This mirrors long-standing
	// dashboard behavior and is preserved deliberately.
	FallbackEnabled *bool

	// Timeout bounds each individual provider attempt.
	Timeout time.Duration
}

// DisableFallback returns Options pinning a request to its first candidate.
func DisableFallback() Options {
	disabled := false
	return Options{FallbackEnabled: &disabled}
}

// ServiceConfig holds configuration for the aggregation service.
type ServiceConfig struct {
	// Registry tracks source health and ordering.
	Registry *Registry

	// Providers are the adapter implementations, keyed by Name().
	Providers []market.Provider

	// Logger for orchestration events.
	Logger zerolog.Logger

	// DefaultTimeout bounds each provider attempt when the request does
	// not specify one.
	// Default: 10 seconds
	DefaultTimeout time.Duration

	// DefaultFallbackEnabled applies when a request does not set
	// Options.FallbackEnabled.
	// Default: true
	DefaultFallbackEnabled *bool

	// DefaultPreferredSource applies when a request does not name a
	// preferred source.
	DefaultPreferredSource string

	// Cache is the adaptive cache layer (optional; nil disables caching).
	Cache *cache.AdaptiveCache

	// RateLimitCooldown is how long a key stays under the rate-limited TTL
	// policy after a provider reports throttling.
	// Default: 5 minutes
	RateLimitCooldown time.Duration
}

// SourceHealth pairs a source's registry state with its latest probe result.
type SourceHealth struct {
	Source Source                   `json:"source"`
	Check  market.HealthCheckResult `json:"check"`
}

// Service is the fallback orchestrator. All dashboard reads go through it.
type Service struct {
	registry          *Registry
	providers         map[string]market.Provider
	logger            zerolog.Logger
	defaultTimeout    time.Duration
	defaultFallback   bool
	defaultPreferred  string
	cache             *cache.AdaptiveCache
	rateLimitCooldown time.Duration

	healthMu   sync.RWMutex
	lastHealth map[string]market.HealthCheckResult
}

// NewService creates the aggregation service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if cfg.RateLimitCooldown == 0 {
		cfg.RateLimitCooldown = 5 * time.Minute
	}
	defaultFallback := true
	if cfg.DefaultFallbackEnabled != nil {
		defaultFallback = *cfg.DefaultFallbackEnabled
	}

	providers := make(map[string]market.Provider, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[p.Name()] = p
	}

	return &Service{
		registry:          cfg.Registry,
		providers:         providers,
		logger:            cfg.Logger,
		defaultTimeout:    cfg.DefaultTimeout,
		defaultFallback:   defaultFallback,
		defaultPreferred:  cfg.DefaultPreferredSource,
		cache:             cfg.Cache,
		rateLimitCooldown: cfg.RateLimitCooldown,
		lastHealth:        make(map[string]market.HealthCheckResult),
	}
}

// Registry returns the source registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// GetQuote returns the current quote for a symbol, served from cache when a
// live entry exists.
func (s *Service) GetQuote(ctx context.Context, symbol string, opts Options) (*market.Quote, error) {
	key := QuoteKey(symbol)
	return fetchCached(ctx, s, key, market.DataTypeQuote, func(ctx context.Context) (*market.Quote, error) {
		return execute(ctx, s, "getQuote", opts, func(ctx context.Context, p market.Provider) (*market.Quote, error) {
			return p.GetQuote(ctx, symbol)
		})
	})
}

// GetHistoricalData returns an OHLCV series for a symbol.
func (s *Service) GetHistoricalData(ctx context.Context, symbol, period, interval string, opts Options) (*market.HistoricalSeries, error) {
	key := HistoryKey(symbol, period, interval)
	return fetchCached(ctx, s, key, market.DataTypeHistorical, func(ctx context.Context) (*market.HistoricalSeries, error) {
		return execute(ctx, s, "getHistoricalData", opts, func(ctx context.Context, p market.Provider) (*market.HistoricalSeries, error) {
			return p.GetHistoricalData(ctx, symbol, period, interval)
		})
	})
}

// SearchSymbols returns symbols matching a free-text query.
func (s *Service) SearchSymbols(ctx context.Context, query string, limit int, opts Options) ([]market.SearchResult, error) {
	key := SearchKey(query, limit)
	return fetchCached(ctx, s, key, market.DataTypeSearch, func(ctx context.Context) ([]market.SearchResult, error) {
		return execute(ctx, s, "searchSymbols", opts, func(ctx context.Context, p market.Provider) ([]market.SearchResult, error) {
			return p.SearchSymbols(ctx, query, limit)
		})
	})
}

// GetMarketSummary returns quotes for the major indices.
func (s *Service) GetMarketSummary(ctx context.Context, opts Options) (*market.MarketSummary, error) {
	return fetchCached(ctx, s, SummaryKey(), market.DataTypeSummary, func(ctx context.Context) (*market.MarketSummary, error) {
		return execute(ctx, s, "getMarketSummary", opts, func(ctx context.Context, p market.Provider) (*market.MarketSummary, error) {
			return p.GetMarketSummary(ctx)
		})
	})
}

// Cache key constructors, shared with the warming refreshers.

func QuoteKey(symbol string) string {
	return "quote:" + strings.ToUpper(symbol)
}

func HistoryKey(symbol, period, interval string) string {
	return fmt.Sprintf("history:%s:%s:%s", strings.ToUpper(symbol), period, interval)
}

func SearchKey(query string, limit int) string {
	return fmt.Sprintf("search:%s:%d", strings.ToLower(query), limit)
}

func SummaryKey() string {
	return "summary:market"
}

// RegisterRefreshers wires the warming sweep's key patterns back into the
// orchestrator so background refreshes reuse the normal fallback path.
func (s *Service) RegisterRefreshers(w *cache.Warmer) {
	w.RegisterRefresher("quote:*", market.DataTypeQuote, func(ctx context.Context, key string) (json.RawMessage, error) {
		symbol := strings.TrimPrefix(key, "quote:")
		return marshalFetched(execute(ctx, s, "getQuote", Options{}, func(ctx context.Context, p market.Provider) (*market.Quote, error) {
			return p.GetQuote(ctx, symbol)
		}))
	})

	w.RegisterRefresher("history:*", market.DataTypeHistorical, func(ctx context.Context, key string) (json.RawMessage, error) {
		parts := strings.Split(strings.TrimPrefix(key, "history:"), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed history key %q", key)
		}
		symbol, period, interval := parts[0], parts[1], parts[2]
		return marshalFetched(execute(ctx, s, "getHistoricalData", Options{}, func(ctx context.Context, p market.Provider) (*market.HistoricalSeries, error) {
			return p.GetHistoricalData(ctx, symbol, period, interval)
		}))
	})

	w.RegisterRefresher("search:*", market.DataTypeSearch, func(ctx context.Context, key string) (json.RawMessage, error) {
		rest := strings.TrimPrefix(key, "search:")
		sep := strings.LastIndex(rest, ":")
		if sep < 0 {
			return nil, fmt.Errorf("malformed search key %q", key)
		}
		query := rest[:sep]
		limit, err := strconv.Atoi(rest[sep+1:])
		if err != nil {
			return nil, fmt.Errorf("malformed search key %q: %w", key, err)
		}
		return marshalFetched(execute(ctx, s, "searchSymbols", Options{}, func(ctx context.Context, p market.Provider) ([]market.SearchResult, error) {
			return p.SearchSymbols(ctx, query, limit)
		}))
	})

	w.RegisterRefresher("summary:*", market.DataTypeSummary, func(ctx context.Context, key string) (json.RawMessage, error) {
		return marshalFetched(execute(ctx, s, "getMarketSummary", Options{}, func(ctx context.Context, p market.Provider) (*market.MarketSummary, error) {
			return p.GetMarketSummary(ctx)
		}))
	})
}

// CheckHealth probes every provider's health endpoint and applies the sweep
// scoring deltas. Results are retained for GetHealthStatus.
func (s *Service) CheckHealth(ctx context.Context) map[string]market.HealthCheckResult {
	results := make(map[string]market.HealthCheckResult, len(s.providers))
	for name, provider := range s.providers {
		result := provider.HealthCheck(ctx)
		results[name] = result
		s.registry.ApplySweep(name, result.Healthy())
	}

	s.healthMu.Lock()
	for name, result := range results {
		s.lastHealth[name] = result
	}
	s.healthMu.Unlock()

	return results
}

// RunHealthSweep runs CheckHealth on a fixed interval until ctx is
// cancelled. It runs on its own schedule, decoupled from request-driven
// scoring.
func (s *Service) RunHealthSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckHealth(ctx)
		}
	}
}

// GetHealthStatus returns each source's registry state alongside its most
// recent health probe result.
func (s *Service) GetHealthStatus() []SourceHealth {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()

	sources := s.registry.List()
	out := make([]SourceHealth, 0, len(sources))
	for _, src := range sources {
		out = append(out, SourceHealth{
			Source: src,
			Check:  s.lastHealth[src.Name],
		})
	}
	return out
}

// Stats returns per-source registry counters plus provider diagnostics.
func (s *Service) Stats() map[string]any {
	out := make(map[string]any, len(s.providers))
	for _, src := range s.registry.List() {
		entry := map[string]any{
			"source": src,
		}
		if provider, ok := s.providers[src.Name]; ok {
			entry["provider"] = provider.Stats()
		}
		out[src.Name] = entry
	}
	return out
}

// SetSourceStatus manually activates or deactivates a source.
func (s *Service) SetSourceStatus(name string, active bool) error {
	if !s.registry.SetSourceStatus(name, active) {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	s.logger.Info().Str("source", name).Bool("active", active).Msg("source status set manually")
	return nil
}

// ResetSourceStats restores a source to its initial state.
func (s *Service) ResetSourceStats(name string) error {
	if !s.registry.ResetStats(name) {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	s.logger.Info().Str("source", name).Msg("source stats reset")
	return nil
}

// execute walks the candidate chain for one logical operation: candidates
// are tried strictly in registry order, the first success short-circuits,
// and every attempt's outcome is recorded before the next candidate runs.
func execute[T any](ctx context.Context, s *Service, op string, opts Options, call func(context.Context, market.Provider) (T, error)) (T, error) {
	var zero T

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = s.defaultTimeout
	}
	fallbackEnabled := s.defaultFallback
	if opts.FallbackEnabled != nil {
		fallbackEnabled = *opts.FallbackEnabled
	}

	preferred := ""
	requested := opts.PreferredSource
	if requested == "" {
		requested = s.defaultPreferred
	}
	if requested != "" {
		if _, ok := s.registry.Get(requested); ok {
			preferred = requested
		} else {
			s.logger.Warn().Str("source", requested).Msg("preferred source unknown, ignoring")
		}
	}

	var lastErr error
	for _, src := range s.registry.CandidateOrder(preferred) {
		if !src.IsActive && fallbackEnabled {
			continue
		}
		provider, ok := s.providers[src.Name]
		if !ok {
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := call(attemptCtx, provider)
		cancel()

		if err == nil {
			s.registry.RecordSuccess(src.Name)
			return result, nil
		}

		s.registry.RecordError(src.Name)
		srcErr := &SourceError{
			Source:  src.Name,
			Op:      op,
			Timeout: errors.Is(err, context.DeadlineExceeded),
			Err:     err,
		}
		s.logger.Warn().
			Str("op", op).
			Str("source", src.Name).
			Bool("timeout", srcErr.Timeout).
			Err(err).
			Msg("source attempt failed")
		lastErr = srcErr

		if !fallbackEnabled {
			return zero, srcErr
		}
	}

	if lastErr != nil {
		return zero, lastErr
	}
	return zero, ErrAllSourcesExhausted
}

// fetchCached routes a typed fetch through the adaptive cache layer. When a
// provider reports throttling, the key is put under the rate-limited TTL
// policy before the error propagates.
func fetchCached[T any](ctx context.Context, s *Service, key, dataType string, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	if s.cache == nil {
		return fetch(ctx)
	}

	raw, err := s.cache.GetWithWarming(ctx, key, dataType, func(ctx context.Context) (json.RawMessage, error) {
		value, err := fetch(ctx)
		if err != nil {
			if errors.Is(err, market.ErrRateLimited) {
				s.cache.MarkRateLimited(key, s.rateLimitCooldown)
			}
			return nil, err
		}
		return json.Marshal(value)
	})
	if err != nil {
		return zero, err
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("decoding cached entry %s: %w", key, err)
	}
	return out, nil
}

func marshalFetched[T any](value T, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	return json.Marshal(value)
}
