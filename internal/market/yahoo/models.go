package yahoo

import (
	"time"

	"github.com/marketdash/marketdash/internal/market"
)

// quoteResponse is the Yahoo v7 quote endpoint payload.
type quoteResponse struct {
	QuoteResponse struct {
		Result []quoteResult `json:"result"`
	} `json:"quoteResponse"`
}

type quoteResult struct {
	Symbol                     string  `json:"symbol"`
	ShortName                  string  `json:"shortName"`
	RegularMarketPrice         float64 `json:"regularMarketPrice"`
	RegularMarketChange        float64 `json:"regularMarketChange"`
	RegularMarketChangePercent float64 `json:"regularMarketChangePercent"`
	RegularMarketVolume        int64   `json:"regularMarketVolume"`
	RegularMarketTime          int64   `json:"regularMarketTime"`
	Currency                   string  `json:"currency"`
	MarketState                string  `json:"marketState"`
}

func (r quoteResult) toQuote() *market.Quote {
	ts := time.Now()
	if r.RegularMarketTime > 0 {
		ts = time.Unix(r.RegularMarketTime, 0)
	}
	return &market.Quote{
		Symbol:        r.Symbol,
		Name:          r.ShortName,
		Price:         r.RegularMarketPrice,
		Change:        r.RegularMarketChange,
		ChangePercent: r.RegularMarketChangePercent,
		Currency:      r.Currency,
		Volume:        r.RegularMarketVolume,
		MarketState:   r.MarketState,
		Timestamp:     ts,
		Source:        ProviderName,
	}
}

// chartResponse is the Yahoo v8 chart endpoint payload.
type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
	} `json:"chart"`
}

type chartResult struct {
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []float64 `json:"open"`
			High   []float64 `json:"high"`
			Low    []float64 `json:"low"`
			Close  []float64 `json:"close"`
			Volume []int64   `json:"volume"`
		} `json:"quote"`
	} `json:"indicators"`
}

func (r chartResult) toSeries(symbol, period, interval string) *market.HistoricalSeries {
	series := &market.HistoricalSeries{
		Symbol:   symbol,
		Period:   period,
		Interval: interval,
		Source:   ProviderName,
	}

	if len(r.Indicators.Quote) == 0 {
		return series
	}

	q := r.Indicators.Quote[0]
	for i, ts := range r.Timestamp {
		if i >= len(q.Close) {
			break
		}
		candle := market.Candle{Timestamp: time.Unix(ts, 0), Close: q.Close[i]}
		if i < len(q.Open) {
			candle.Open = q.Open[i]
		}
		if i < len(q.High) {
			candle.High = q.High[i]
		}
		if i < len(q.Low) {
			candle.Low = q.Low[i]
		}
		if i < len(q.Volume) {
			candle.Volume = q.Volume[i]
		}
		series.Candles = append(series.Candles, candle)
	}
	return series
}

// searchResponse is the Yahoo v1 search endpoint payload.
type searchResponse struct {
	Quotes []struct {
		Symbol    string `json:"symbol"`
		ShortName string `json:"shortname"`
		Exchange  string `json:"exchange"`
		QuoteType string `json:"quoteType"`
	} `json:"quotes"`
}
