package handler

import (
	"net/http"

	"github.com/marketdash/marketdash/internal/api/models"
	"github.com/marketdash/marketdash/internal/api/response"
	"github.com/marketdash/marketdash/internal/cache"
	"github.com/marketdash/marketdash/internal/monitor"
)

// CacheHandler exposes cache metrics and administration endpoints.
type CacheHandler struct {
	cache  *cache.AdaptiveCache
	engine *monitor.Engine
}

// NewCacheHandler creates a new CacheHandler.
func NewCacheHandler(c *cache.AdaptiveCache, engine *monitor.Engine) *CacheHandler {
	return &CacheHandler{cache: c, engine: engine}
}

// Dashboard handles GET /v1/cache/dashboard - full monitoring payload.
func (h *CacheHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, h.engine.DashboardData(r.Context()))
}

// Summary handles GET /v1/cache/summary - condensed performance summary.
func (h *CacheHandler) Summary(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, h.engine.Summary())
}

// Metrics handles GET /v1/cache/metrics - raw cache counters.
func (h *CacheHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, h.cache.Metrics())
}

// Purge handles DELETE /v1/cache?pattern=...
func (h *CacheHandler) Purge(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		response.BadRequest(w, r, "query parameter pattern is required", []models.FieldError{
			{Field: "pattern", Message: "must not be empty", Code: "required"},
		})
		return
	}

	deleted, err := h.cache.InvalidateByPattern(r.Context(), pattern)
	if err != nil {
		response.InternalError(w, r, "failed to purge cache entries")
		return
	}
	response.JSON(w, r, http.StatusOK, models.PurgeResponse{Pattern: pattern, Deleted: deleted})
}
