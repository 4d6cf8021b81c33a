package controllers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"data_gateway/models"
)

// HealthReporter exposes per-source health snapshots
type HealthReporter interface {
	All() []models.SourceHealth
}

// Pinger checks a backing store
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthController serves liveness and readiness checks
type HealthController struct {
	health HealthReporter
	db     Pinger
}

// NewHealthController creates a new health controller. db may be nil.
func NewHealthController(health HealthReporter, db Pinger) *HealthController {
	return &HealthController{health: health, db: db}
}

// Health reports gateway status with every source's health
// GET /health
func (hc *HealthController) Health(c *gin.Context) {
	sources := hc.health.All()

	status := "ok"
	down := 0
	for _, s := range sources {
		switch s.Status {
		case models.HealthDown:
			down++
			status = "degraded"
		case models.HealthDegraded:
			status = "degraded"
		}
	}
	if len(sources) > 0 && down == len(sources) {
		status = "down"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"sources": sources,
	})
}

// Ready fails when the database is unreachable
// GET /ready
func (hc *HealthController) Ready(c *gin.Context) {
	if hc.db != nil {
		if err := hc.db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unavailable",
				"error":  "database unreachable",
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
