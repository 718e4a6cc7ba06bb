package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marketdash/marketdash/internal/aggregator"
	"github.com/marketdash/marketdash/internal/api/models"
	"github.com/marketdash/marketdash/internal/api/response"
)

// SourcesHandler exposes the source registry for inspection and administration.
type SourcesHandler struct {
	svc *aggregator.Service
}

// NewSourcesHandler creates a new SourcesHandler.
func NewSourcesHandler(svc *aggregator.Service) *SourcesHandler {
	return &SourcesHandler{svc: svc}
}

// ListSources handles GET /v1/sources - registry state plus provider stats.
func (h *SourcesHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, h.svc.Stats())
}

// GetHealth handles GET /v1/sources/health - latest probe results per source.
func (h *SourcesHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, h.svc.GetHealthStatus())
}

// SetStatus handles PUT /v1/sources/{name}/status.
func (h *SourcesHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req models.SetSourceStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		response.BadRequest(w, r, "request body must contain an active field", []models.FieldError{
			{Field: "active", Message: "must be true or false", Code: "required"},
		})
		return
	}

	if err := h.svc.SetSourceStatus(name, *req.Active); err != nil {
		if errors.Is(err, aggregator.ErrUnknownSource) {
			response.NotFound(w, r, "unknown source: "+name)
			return
		}
		response.InternalError(w, r, "failed to update source status")
		return
	}

	action := "deactivated"
	if *req.Active {
		action = "activated"
	}
	response.JSON(w, r, http.StatusOK, models.SourceActionResponse{Source: name, Action: action})
}

// ResetStats handles POST /v1/sources/{name}/reset.
func (h *SourcesHandler) ResetStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := h.svc.ResetSourceStats(name); err != nil {
		if errors.Is(err, aggregator.ErrUnknownSource) {
			response.NotFound(w, r, "unknown source: "+name)
			return
		}
		response.InternalError(w, r, "failed to reset source stats")
		return
	}
	response.JSON(w, r, http.StatusOK, models.SourceActionResponse{Source: name, Action: "reset"})
}
