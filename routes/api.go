package routes

import (
	"github.com/labstack/echo/v4"
	echoSwagger "github.com/swaggo/echo-swagger"

	"github.com/atlasworks/broadcast-dispatch-service/environments"
	"github.com/atlasworks/broadcast-dispatch-service/handlers"
	"github.com/atlasworks/broadcast-dispatch-service/internal/middlewares"
)

// RegisterRoutes registers all API routes with middleware
func RegisterRoutes(
	e *echo.Echo,
	healthHandler *handlers.HealthHandler,
	broadcastHandler *handlers.BroadcastHandler,
	schedulerHandler *handlers.SchedulerHandler,
	cfg *environments.Config,
) {
	e.GET("/health", healthHandler.Health)
	e.GET("/swagger/*", echoSwagger.WrapHandler)

	// API v1 base group
	v1 := e.Group("/api/v1")

	// Broadcast routes with their own API key
	broadcasts := v1.Group("/broadcasts", middlewares.APIKeyAuth(cfg.Auth.BroadcastsAPIKey))

	broadcasts.GET("", broadcastHandler.GetBroadcasts)
	broadcasts.POST("", broadcastHandler.CreateBroadcast)
	broadcasts.GET("/stats", broadcastHandler.GetStats)
	broadcasts.GET("/reports", broadcastHandler.GetCachedReports)
	broadcasts.GET("/:id", broadcastHandler.GetBroadcast)
	broadcasts.POST("/:id/cancel", broadcastHandler.CancelBroadcast)
	broadcasts.GET("/:id/logs", broadcastHandler.GetMessageLogs)

	// Audit log lookup shares the broadcasts key
	logs := v1.Group("/logs", middlewares.APIKeyAuth(cfg.Auth.BroadcastsAPIKey))

	logs.GET("/:id", broadcastHandler.GetMessageLog)

	// Scheduler routes with their own API key
	schedulerGroup := v1.Group("/scheduler", middlewares.APIKeyAuth(cfg.Auth.SchedulerAPIKey))

	schedulerGroup.POST("/start", schedulerHandler.Start)
	schedulerGroup.POST("/stop", schedulerHandler.Stop)
	schedulerGroup.GET("/status", schedulerHandler.Status)
	schedulerGroup.POST("/trigger", schedulerHandler.Trigger)

	// Operational endpoints, guarded by the scheduler key
	admin := v1.Group("/admin", middlewares.APIKeyAuth(cfg.Auth.SchedulerAPIKey))

	admin.POST("/reconcile", schedulerHandler.Reconcile)
}
