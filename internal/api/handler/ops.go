package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/anchorwatch/anchorwatch/internal/api/models"
	"github.com/anchorwatch/anchorwatch/internal/api/response"
)

// ReadinessCheck probes one dependency.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	checks    []ReadinessCheck
	timeout   time.Duration
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(version, buildTime string, checks []ReadinessCheck) *OpsHandler {
	return &OpsHandler{
		version:   version,
		buildTime: buildTime,
		checks:    checks,
		timeout:   2 * time.Second,
	}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]any{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	}
	response.JSON(w, r, http.StatusOK, health)
}

// ReadinessCheck handles GET /v1/ops/ready. It answers 503 when any dependency fails.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ready := models.Readiness{
		Status:       models.HealthStatusOK,
		Time:         models.Timestamp(time.Now()),
		Dependencies: make([]models.DependencyStatus, 0, len(h.checks)),
	}
	for _, c := range h.checks {
		dep := models.DependencyStatus{Name: c.Name, Status: models.HealthStatusOK}
		if err := c.Check(ctx); err != nil {
			dep.Status = models.HealthStatusFail
			dep.Detail = err.Error()
			ready.Status = models.HealthStatusFail
		}
		ready.Dependencies = append(ready.Dependencies, dep)
	}

	status := http.StatusOK
	if ready.Status != models.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, r, status, ready)
}
