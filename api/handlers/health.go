package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/netra-systems/zen-sub342/internal/monitor"
)

// HealthReporter is the performance monitor as seen by the HTTP API.
type HealthReporter interface {
	Health() monitor.Health
	GetConnectionStats() monitor.ConnectionStats
	GetSyncStats() monitor.SyncStats
}

// HealthHandler serves health and statistics.
type HealthHandler struct {
	monitor HealthReporter
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(m HealthReporter) *HealthHandler {
	return &HealthHandler{monitor: m}
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Connections monitor.ConnectionStats `json:"connections"`
	Sync        monitor.SyncStats       `json:"sync"`
}

// Health handles GET /api/health. An unhealthy backbone answers 503 so load
// balancers can drain it.
func (h *HealthHandler) Health(c *gin.Context) {
	report := h.monitor.Health()
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Stats handles GET /api/stats.
func (h *HealthHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, StatsResponse{
		Connections: h.monitor.GetConnectionStats(),
		Sync:        h.monitor.GetSyncStats(),
	})
}
