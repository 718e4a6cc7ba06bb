// Package yahoo implements the market.Provider contract against the Yahoo
// Finance JSON API.
package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketdash/marketdash/internal/market"
	"github.com/marketdash/marketdash/internal/provider/resilience"
)

const (
	// ProviderName identifies this market data provider.
	ProviderName = "yahoo-finance"

	// DefaultBaseURL is the Yahoo Finance API base URL.
	DefaultBaseURL = "https://query1.finance.yahoo.com"
)

// Index symbols fetched for the market summary view.
var summarySymbols = []string{"^GSPC", "^DJI", "^IXIC", "^FTSE", "^N225"}

// ClientConfig holds configuration for the Yahoo Finance client.
type ClientConfig struct {
	// BaseURL is the API base URL (optional, defaults to Yahoo Finance).
	BaseURL string

	// HTTPClient is the HTTP client to use (optional).
	// If nil, uses a resilient client with defaults.
	HTTPClient *resilience.Client

	// Logger for client operations.
	Logger zerolog.Logger
}

// Client is a Yahoo Finance API client.
type Client struct {
	baseURL    string
	httpClient *resilience.Client
	logger     zerolog.Logger

	requests atomic.Int64
	errors   atomic.Int64
}

// NewClient creates a new Yahoo Finance client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = resilience.NewClient(resilience.DefaultClientConfig(ProviderName))
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     cfg.Logger,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return ProviderName
}

// GetQuote fetches the current quote for a symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*market.Quote, error) {
	var qr quoteResponse
	endpoint := fmt.Sprintf("%s/v7/finance/quote?symbols=%s", c.baseURL, url.QueryEscape(symbol))
	if err := c.getJSON(ctx, endpoint, &qr); err != nil {
		return nil, err
	}

	if len(qr.QuoteResponse.Result) == 0 {
		return nil, market.ErrSymbolNotFound
	}

	return qr.QuoteResponse.Result[0].toQuote(), nil
}

// GetHistoricalData fetches an OHLCV series for a symbol.
func (c *Client) GetHistoricalData(ctx context.Context, symbol, period, interval string) (*market.HistoricalSeries, error) {
	var cr chartResponse
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?range=%s&interval=%s",
		c.baseURL, url.PathEscape(symbol), url.QueryEscape(period), url.QueryEscape(interval))
	if err := c.getJSON(ctx, endpoint, &cr); err != nil {
		return nil, err
	}

	if len(cr.Chart.Result) == 0 {
		return nil, market.ErrSymbolNotFound
	}

	return cr.Chart.Result[0].toSeries(symbol, period, interval), nil
}

// SearchSymbols looks up symbols matching a free-text query.
func (c *Client) SearchSymbols(ctx context.Context, query string, limit int) ([]market.SearchResult, error) {
	var sr searchResponse
	endpoint := fmt.Sprintf("%s/v1/finance/search?q=%s&quotesCount=%d",
		c.baseURL, url.QueryEscape(query), limit)
	if err := c.getJSON(ctx, endpoint, &sr); err != nil {
		return nil, err
	}

	results := make([]market.SearchResult, 0, len(sr.Quotes))
	for _, q := range sr.Quotes {
		results = append(results, market.SearchResult{
			Symbol:   q.Symbol,
			Name:     q.ShortName,
			Exchange: q.Exchange,
			Type:     q.QuoteType,
		})
	}
	return results, nil
}

// GetMarketSummary fetches quotes for the major indices.
func (c *Client) GetMarketSummary(ctx context.Context) (*market.MarketSummary, error) {
	var qr quoteResponse
	symbols := ""
	for i, s := range summarySymbols {
		if i > 0 {
			symbols += ","
		}
		symbols += url.QueryEscape(s)
	}
	endpoint := fmt.Sprintf("%s/v7/finance/quote?symbols=%s", c.baseURL, symbols)
	if err := c.getJSON(ctx, endpoint, &qr); err != nil {
		return nil, err
	}

	quotes := make([]market.Quote, 0, len(qr.QuoteResponse.Result))
	for _, r := range qr.QuoteResponse.Result {
		quotes = append(quotes, *r.toQuote())
	}

	return &market.MarketSummary{
		Quotes:    quotes,
		Timestamp: time.Now(),
		Source:    ProviderName,
	}, nil
}

// HealthCheck probes the quote endpoint with a single liquid symbol.
func (c *Client) HealthCheck(ctx context.Context) market.HealthCheckResult {
	start := time.Now()
	_, err := c.GetQuote(ctx, "AAPL")
	latency := time.Since(start)

	if err != nil {
		return market.HealthCheckResult{
			Status:  market.StatusUnhealthy,
			Latency: latency,
			Err:     err.Error(),
		}
	}
	return market.HealthCheckResult{
		Status:  market.StatusHealthy,
		Latency: latency,
	}
}

// Stats returns request counters plus transport diagnostics.
func (c *Client) Stats() map[string]any {
	stats := c.httpClient.Stats()
	stats["provider"] = ProviderName
	stats["requests_total"] = c.requests.Load()
	stats["errors_total"] = c.errors.Load()
	return stats
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	c.requests.Add(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		c.errors.Add(1)
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "marketdash/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.errors.Add(1)
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.errors.Add(1)
		return market.ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		c.errors.Add(1)
		return market.ErrSymbolNotFound
	case resp.StatusCode != http.StatusOK:
		c.errors.Add(1)
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
