// Package market defines the market data domain types and the provider
// adapter contract implemented by each upstream data source.
package market

import "time"

// Data type identifiers used for cache keying and per-type TTL policy.
const (
	DataTypeQuote      = "quote"
	DataTypeHistorical = "historical"
	DataTypeSearch     = "search"
	DataTypeSummary    = "summary"
)

// Quote is a point-in-time price snapshot for a single symbol.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Name          string    `json:"name,omitempty"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"changePercent"`
	Currency      string    `json:"currency,omitempty"`
	Volume        int64     `json:"volume,omitempty"`
	MarketState   string    `json:"marketState,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
}

// Candle is a single OHLCV bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// HistoricalSeries is an ordered series of candles for a symbol.
type HistoricalSeries struct {
	Symbol   string   `json:"symbol"`
	Period   string   `json:"period"`
	Interval string   `json:"interval"`
	Candles  []Candle `json:"candles"`
	Source   string   `json:"source"`
}

// SearchResult is a single symbol lookup match.
type SearchResult struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Exchange string `json:"exchange,omitempty"`
	Type     string `json:"type,omitempty"`
}

// MarketSummary is the set of index/benchmark quotes shown on the
// dashboard landing view.
type MarketSummary struct {
	Quotes    []Quote   `json:"quotes"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}
