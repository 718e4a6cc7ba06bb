// Package handler provides HTTP handlers for the MarketDash API.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/marketdash/marketdash/internal/aggregator"
	"github.com/marketdash/marketdash/internal/api/models"
	"github.com/marketdash/marketdash/internal/api/response"
	"github.com/marketdash/marketdash/internal/market"
)

const defaultSearchLimit = 10

// MarketHandler serves market data through the aggregation service.
type MarketHandler struct {
	svc *aggregator.Service
}

// NewMarketHandler creates a new MarketHandler.
func NewMarketHandler(svc *aggregator.Service) *MarketHandler {
	return &MarketHandler{svc: svc}
}

// GetQuote handles GET /v1/market/quote/{symbol}.
func (h *MarketHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if symbol == "" {
		response.BadRequest(w, r, "symbol is required", nil)
		return
	}

	quote, err := h.svc.GetQuote(r.Context(), symbol, optionsFromQuery(r))
	if err != nil {
		writeMarketError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, quote)
}

// GetHistory handles GET /v1/market/history/{symbol}.
func (h *MarketHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if symbol == "" {
		response.BadRequest(w, r, "symbol is required", nil)
		return
	}

	period := r.URL.Query().Get("period")
	if period == "" {
		period = "1mo"
	}
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "1d"
	}

	series, err := h.svc.GetHistoricalData(r.Context(), symbol, period, interval, optionsFromQuery(r))
	if err != nil {
		writeMarketError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, series)
}

// Search handles GET /v1/market/search?q=...&limit=...
func (h *MarketHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		response.BadRequest(w, r, "query parameter q is required", []models.FieldError{
			{Field: "q", Message: "must not be empty", Code: "required"},
		})
		return
	}

	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 50 {
			response.BadRequest(w, r, "limit must be an integer between 1 and 50", []models.FieldError{
				{Field: "limit", Message: "must be between 1 and 50", Code: "range"},
			})
			return
		}
		limit = parsed
	}

	results, err := h.svc.SearchSymbols(r.Context(), query, limit, optionsFromQuery(r))
	if err != nil {
		writeMarketError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, results)
}

// GetSummary handles GET /v1/market/summary.
func (h *MarketHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.GetMarketSummary(r.Context(), optionsFromQuery(r))
	if err != nil {
		writeMarketError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, summary)
}

// optionsFromQuery builds per-request orchestration options from query
// parameters: ?source= names a preferred source and ?fallback= overrides the
// service default (fallback=false pins the request to the first candidate).
// Unset parameters leave the service defaults in force.
func optionsFromQuery(r *http.Request) aggregator.Options {
	opts := aggregator.Options{
		PreferredSource: r.URL.Query().Get("source"),
	}
	if raw := r.URL.Query().Get("fallback"); raw != "" {
		if enabled, err := strconv.ParseBool(raw); err == nil {
			opts.FallbackEnabled = &enabled
		}
	}
	return opts
}

// writeMarketError maps aggregation errors onto problem responses.
func writeMarketError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, market.ErrSymbolNotFound):
		response.NotFound(w, r, "symbol not found")
	case errors.Is(err, market.ErrRateLimited):
		response.TooManyRequests(w, r, "all available sources are rate limited")
	case errors.Is(err, aggregator.ErrAllSourcesExhausted):
		response.UpstreamFailure(w, r, "all market data sources failed")
	case errors.Is(err, context.Canceled):
		response.ServiceUnavailable(w, r, "request cancelled")
	default:
		var srcErr *aggregator.SourceError
		if errors.As(err, &srcErr) {
			response.UpstreamFailure(w, r, "market data source "+srcErr.Source+" failed")
			return
		}
		response.InternalError(w, r, "failed to fetch market data")
	}
}
