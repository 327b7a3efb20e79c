package main

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/fleetcron/internal/handlers"
	"github.com/huangang/fleetcron/internal/middleware"
	"github.com/huangang/fleetcron/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	// Middleware
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS(svc.cfg.Server.CORSOrigins...))

	healthHandler := handlers.NewHealthHandler(svc.db, svc.triggerQueue, svc.scheduler.InstanceID())
	r.GET("/health", healthHandler.CheckHealth)
	r.GET("/metrics", handlers.Metrics(svc.registry))

	schedulerHandler := handlers.NewSchedulerHandler(svc.scheduler, svc.triggerQueue)

	api := r.Group("/api/scheduler")
	api.Use(middleware.AuthRequired(), middleware.AuditLog(logger.Component("audit")))
	{
		api.GET("/tasks", schedulerHandler.ListTasks)
		api.GET("/tasks/:name/logs/latest", schedulerHandler.LatestLog)
		api.GET("/tasks/:name/stats", schedulerHandler.Stats)
		api.GET("/logs", schedulerHandler.ListLogs)

		api.POST("/tasks/:name/trigger",
			middleware.TriggerRequired(),
			svc.triggerLimiter.Middleware(),
			schedulerHandler.Trigger,
		)
	}
}
