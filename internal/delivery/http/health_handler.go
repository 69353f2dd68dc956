package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HealthHandler handles health check requests.
type HealthHandler struct {
	backend string
	logger  *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. backend names the configured
// object-store backend so probes can tell deployments apart.
func NewHealthHandler(backend string, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{backend: backend, logger: logger}
}

// Health handles GET /api/v1/health
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"backend": h.backend,
	})
}
