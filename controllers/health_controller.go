package controllers

import (
	"context"
	"net/http"
	"time"

	"chathub/services"

	"github.com/gin-gonic/gin"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthController struct {
	db    Pinger
	clock *services.Clock
}

func NewHealthController(db Pinger, clock *services.Clock) *HealthController {
	return &HealthController{db: db, clock: clock}
}

func (hc *HealthController) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := hc.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unhealthy",
			"error":     err.Error(),
			"timestamp": hc.clock.GetCurrentTimestamp(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": hc.clock.GetCurrentTimestamp()})
}
