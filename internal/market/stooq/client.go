// Package stooq implements the market.Provider contract against the Stooq
// CSV API. Stooq is keyless and generous with quotas, which makes it a good
// fallback behind richer providers.
package stooq

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketdash/marketdash/internal/market"
	"github.com/marketdash/marketdash/internal/provider/resilience"
)

const (
	// ProviderName identifies this market data provider.
	ProviderName = "stooq"

	// DefaultBaseURL is the Stooq CSV API base URL.
	DefaultBaseURL = "https://stooq.com"
)

// Index symbols fetched for the market summary view.
var summarySymbols = []string{"^spx", "^dji", "^ndq", "^ukx", "^nkx"}

// ClientConfig holds configuration for the Stooq client.
type ClientConfig struct {
	// BaseURL is the API base URL (optional, defaults to Stooq).
	BaseURL string

	// HTTPClient is the HTTP client to use (optional).
	// If nil, uses a resilient client with defaults.
	HTTPClient *resilience.Client

	// Logger for client operations.
	Logger zerolog.Logger
}

// Client is a Stooq API client.
type Client struct {
	baseURL    string
	httpClient *resilience.Client
	logger     zerolog.Logger

	requests atomic.Int64
	errors   atomic.Int64
}

// NewClient creates a new Stooq client.
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
	endpoint := fmt.Sprintf("%s/q/l/?s=%s&f=sd2t2ohlcvn&h&e=csv",
		c.baseURL, url.QueryEscape(normalizeSymbol(symbol)))

	records, err := c.getCSV(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, market.ErrSymbolNotFound
	}

	return parseQuoteRow(symbol, records[1])
}

// GetHistoricalData fetches a daily OHLCV series for a symbol. Stooq only
// serves daily and coarser intervals; finer requests degrade to daily.
func (c *Client) GetHistoricalData(ctx context.Context, symbol, period, interval string) (*market.HistoricalSeries, error) {
	endpoint := fmt.Sprintf("%s/q/d/l/?s=%s&i=%s",
		c.baseURL, url.QueryEscape(normalizeSymbol(symbol)), stooqInterval(interval))

	records, err := c.getCSV(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, market.ErrSymbolNotFound
	}

	series := &market.HistoricalSeries{
		Symbol:   symbol,
		Period:   period,
		Interval: interval,
		Source:   ProviderName,
	}
	for _, row := range records[1:] {
		candle, err := parseCandleRow(row)
		if err != nil {
			continue
		}
		series.Candles = append(series.Candles, candle)
	}
	return series, nil
}

// SearchSymbols resolves a query as an exact symbol lookup. Stooq has no
// search endpoint, so a query matches iff it quotes successfully.
func (c *Client) SearchSymbols(ctx context.Context, query string, limit int) ([]market.SearchResult, error) {
	if limit <= 0 {
		return nil, nil
	}

	quote, err := c.GetQuote(ctx, query)
	if err != nil {
		if err == market.ErrSymbolNotFound {
			return []market.SearchResult{}, nil
		}
		return nil, err
	}

	return []market.SearchResult{{
		Symbol: quote.Symbol,
		Name:   quote.Name,
	}}, nil
}

// GetMarketSummary fetches quotes for the major indices.
func (c *Client) GetMarketSummary(ctx context.Context) (*market.MarketSummary, error) {
	quotes := make([]market.Quote, 0, len(summarySymbols))
	for _, s := range summarySymbols {
		quote, err := c.GetQuote(ctx, s)
		if err != nil {
			// Partial index coverage is acceptable for the summary view.
			c.logger.Debug().Err(err).Str("symbol", s).Msg("summary symbol fetch failed")
			continue
		}
		quotes = append(quotes, *quote)
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no summary quotes available")
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
	_, err := c.GetQuote(ctx, "aapl.us")
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

func (c *Client) getCSV(ctx context.Context, endpoint string) ([][]string, error) {
	c.requests.Add(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.errors.Add(1)
		return nil, market.ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		c.errors.Add(1)
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	reader := csv.NewReader(resp.Body)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("parsing csv: %w", err)
	}
	return records, nil
}

// normalizeSymbol maps plain US tickers to Stooq's suffixed form.
// Index symbols (^spx) and already-suffixed symbols pass through.
func normalizeSymbol(symbol string) string {
	s := strings.ToLower(symbol)
	if strings.HasPrefix(s, "^") || strings.Contains(s, ".") {
		return s
	}
	return s + ".us"
}

func stooqInterval(interval string) string {
	switch interval {
	case "1wk", "w":
		return "w"
	case "1mo", "m":
		return "m"
	default:
		return "d"
	}
}

func parseQuoteRow(symbol string, row []string) (*market.Quote, error) {
	// Columns: Symbol,Date,Time,Open,High,Low,Close,Volume,Name
	if len(row) < 7 {
		return nil, market.ErrSymbolNotFound
	}

	closePrice, err := strconv.ParseFloat(row[6], 64)
	if err != nil {
		// "N/D" marks an unknown symbol
		return nil, market.ErrSymbolNotFound
	}
	openPrice, _ := strconv.ParseFloat(row[3], 64)

	quote := &market.Quote{
		Symbol:    strings.ToUpper(symbol),
		Price:     closePrice,
		Change:    closePrice - openPrice,
		Timestamp: time.Now(),
		Source:    ProviderName,
	}
	if openPrice > 0 {
		quote.ChangePercent = (closePrice - openPrice) / openPrice * 100
	}
	if len(row) > 7 {
		if v, err := strconv.ParseInt(row[7], 10, 64); err == nil {
			quote.Volume = v
		}
	}
	if len(row) > 8 {
		quote.Name = row[8]
	}
	return quote, nil
}

func parseCandleRow(row []string) (market.Candle, error) {
	// Columns: Date,Open,High,Low,Close,Volume
	if len(row) < 5 {
		return market.Candle{}, fmt.Errorf("short row")
	}

	ts, err := time.Parse("2006-01-02", row[0])
	if err != nil {
		return market.Candle{}, err
	}
	open, err := strconv.ParseFloat(row[1], 64)
	if err != nil {
		return market.Candle{}, err
	}
	high, _ := strconv.ParseFloat(row[2], 64)
	low, _ := strconv.ParseFloat(row[3], 64)
	closePrice, _ := strconv.ParseFloat(row[4], 64)

	candle := market.Candle{
		Timestamp: ts,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
	}
	if len(row) > 5 {
		if v, err := strconv.ParseInt(row[5], 10, 64); err == nil {
			candle.Volume = v
		}
	}
	return candle, nil
}
