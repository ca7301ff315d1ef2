package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const serviceName = "catalog-sync-service"

// ReadinessCheck reports whether one dependency is usable
type ReadinessCheck func(ctx context.Context) error

// StatusReporter returns a component snapshot included in the readiness response
type StatusReporter func() interface{}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	checks    map[string]ReadinessCheck
	reporters map[string]StatusReporter
}

// NewHealthHandler creates a new health handler. Failed checks mark readiness degraded, not failed.
func NewHealthHandler(checks map[string]ReadinessCheck) *HealthHandler {
	return &HealthHandler{checks: checks, reporters: make(map[string]StatusReporter)}
}

// Report adds a named component snapshot to readiness responses
func (h *HealthHandler) Report(name string, reporter StatusReporter) {
	h.reporters[name] = reporter
}

// Health handles the health check endpoint
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": serviceName,
	})
}

// Ready handles the readiness check endpoint
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ready"
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}

	resp := gin.H{
		"status":       status,
		"service":      serviceName,
		"dependencies": deps,
	}
	if len(h.reporters) > 0 {
		components := make(map[string]interface{}, len(h.reporters))
		for name, report := range h.reporters {
			components[name] = report()
		}
		resp["components"] = components
	}
	c.JSON(http.StatusOK, resp)
}
