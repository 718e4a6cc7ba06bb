package handler

import (
	"net/http"
	"time"

	"github.com/marketdash/marketdash/internal/api/models"
	"github.com/marketdash/marketdash/internal/api/response"
	"github.com/marketdash/marketdash/internal/cache"
)

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	store     cache.Store
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(version, buildTime string, store cache.Store) *OpsHandler {
	return &OpsHandler{
		version:   version,
		buildTime: buildTime,
		store:     store,
	}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]interface{}{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	}
	response.JSON(w, r, http.StatusOK, health)
}

// ReadinessCheck handles GET /v1/ops/ready - readiness check.
// The service is ready when the cache backend answers.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	sh := h.store.HealthCheck(r.Context())

	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]interface{}{
			"cacheBackend": sh.Backend,
		},
	}
	if !sh.Available {
		health.Status = models.HealthStatusFail
		response.JSON(w, r, http.StatusServiceUnavailable, health)
		return
	}
	response.JSON(w, r, http.StatusOK, health)
}

// SystemStatus handles GET /v1/ops/status - subsystem status.
func (h *OpsHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	now := models.Timestamp(time.Now())
	sh := h.store.HealthCheck(r.Context())

	cacheStatus := models.HealthStatusOK
	detail := ""
	if !sh.Available {
		cacheStatus = models.HealthStatusFail
		if sh.Err != "" {
			detail = sh.Err
		}
	}

	overall := models.HealthStatusOK
	if cacheStatus != models.HealthStatusOK {
		overall = models.HealthStatusDegraded
	}

	status := models.SystemStatus{
		Status: overall,
		Time:   now,
		Subsystems: []models.SubsystemStatus{
			{Name: sh.Backend, Status: cacheStatus, Detail: detail},
		},
	}
	response.JSON(w, r, http.StatusOK, status)
}
