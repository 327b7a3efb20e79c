package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/fleetcron/internal/services"
	"gorm.io/gorm"
)

// HealthHandler reports whether this instance can coordinate with the fleet.
// Without the database no lock can be taken, so a failed ping is unhealthy.
type HealthHandler struct {
	db         *gorm.DB
	queue      services.TriggerQueue
	instanceID string
}

func NewHealthHandler(db *gorm.DB, queue services.TriggerQueue, instanceID string) *HealthHandler {
	return &HealthHandler{db: db, queue: queue, instanceID: instanceID}
}

func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"
	status := http.StatusOK

	dbStatus := "ok"
	if err := h.ping(c.Request.Context()); err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	queueMode := "none"
	if h.queue != nil {
		queueMode = "sync"
		if h.queue.IsAsync() {
			queueMode = "async (Redis)"
		}
	}

	c.JSON(status, gin.H{
		"status":   overall,
		"service":  "fleetcron",
		"instance": h.instanceID,
		"components": gin.H{
			"database":   dbStatus,
			"queue_mode": queueMode,
		},
	})
}

func (h *HealthHandler) ping(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
