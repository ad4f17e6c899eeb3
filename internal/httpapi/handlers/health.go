package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tasker-run/tasker/internal/health"
)

// HealthHandler surfaces the cached health.Snapshot for liveness/readiness
// probes and operator dashboards.
type HealthHandler struct {
	evaluator *health.Evaluator
}

func NewHealthHandler(evaluator *health.Evaluator) *HealthHandler {
	return &HealthHandler{evaluator: evaluator}
}

// GET /healthz
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	snap := h.evaluator.Evaluate(c.Request.Context())
	status := http.StatusOK
	if !snap.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, snap)
}
