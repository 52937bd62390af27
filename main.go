package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/atlasworks/broadcast-dispatch-service/environments"
	"github.com/atlasworks/broadcast-dispatch-service/handlers"
	"github.com/atlasworks/broadcast-dispatch-service/internal/dispatch"
	"github.com/atlasworks/broadcast-dispatch-service/internal/repository"
	"github.com/atlasworks/broadcast-dispatch-service/internal/scheduler"
	"github.com/atlasworks/broadcast-dispatch-service/internal/service"
	"github.com/atlasworks/broadcast-dispatch-service/pkg/channel"
	"github.com/atlasworks/broadcast-dispatch-service/pkg/database"
	"github.com/atlasworks/broadcast-dispatch-service/pkg/logger"
	"github.com/atlasworks/broadcast-dispatch-service/pkg/redis"
	"github.com/atlasworks/broadcast-dispatch-service/pkg/validator"
	"github.com/atlasworks/broadcast-dispatch-service/routes"

	_ "github.com/atlasworks/broadcast-dispatch-service/docs" // swagger docs
)

// @title Broadcast Dispatch Service API
// @version 1.0
// @description Scheduled broadcast dispatch engine with polling scheduler, batch dispatcher and audit logs
// @termsOfService http://swagger.io/terms/

// @contact.name API Support

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /

// @schemes http https
func main() {
	logger.Init()

	// Load config
	cfg := environments.Load()

	// Hard-fail if required secrets are missing
	if cfg.Channel.AuthKey == "" {
		logger.Fatalf("CHANNEL_AUTH_KEY is required but not set")
	}
	if cfg.Auth.BroadcastsAPIKey == "" {
		logger.Fatalf("BROADCASTS_API_KEY is required but not set")
	}
	if cfg.Auth.SchedulerAPIKey == "" {
		logger.Fatalf("SCHEDULER_API_KEY is required but not set")
	}

	logger.Infof("Starting Broadcast Dispatch Service...")

	// Init DB
	db, err := database.NewMySQLDB(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Run migrations
	if err := database.RunMigrations(db); err != nil {
		logger.Fatalf("Failed to run migrations: %v", err)
	}

	// Seed data
	if os.Getenv("SEED_DATA") == "true" {
		if err := database.SeedTestData(db); err != nil {
			logger.Warnf("Failed to seed test data: %v", err)
		}
	}

	// Init redis (optional; dispatching works without the report cache)
	var redisClient *redis.Client
	redisClient, err = redis.NewRedisClient(cfg.Redis)
	if err != nil {
		logger.Warnf("Redis not available, report caching disabled: %v", err)
		redisClient = nil
	}

	// Initialize delivery channel client
	channelClient := channel.NewClient(cfg.Channel)
	logger.Infof("Delivery channel configured: %s", channelClient.GetURL())

	// Initialize repositories
	broadcastRepo := repository.NewBroadcastRepository(db)
	contactRepo := repository.NewContactRepository(db)

	// Initialize batch dispatcher
	dispatcher := dispatch.NewDispatcher(channelClient, cfg.Broadcast.BatchSize, cfg.Broadcast.InterBatchDelay)

	// Initialize service. A nil *redis.Client has to be passed as an
	// untyped nil so the service sees a nil cache interface.
	var broadcastService *service.BroadcastService
	if redisClient != nil {
		broadcastService = service.NewBroadcastService(broadcastRepo, contactRepo, dispatcher, redisClient, cfg.Broadcast)
	} else {
		broadcastService = service.NewBroadcastService(broadcastRepo, contactRepo, dispatcher, nil, cfg.Broadcast)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize scheduler
	sched := scheduler.NewScheduler(broadcastService, cfg.Broadcast, cfg.Alert)

	// Reconcile broadcasts left in processing by a previous crash before
	// the first tick runs.
	if requeued, err := broadcastService.ReconcileStuck(ctx, time.Now()); err != nil {
		logger.Warnf("Startup reconciliation failed: %v", err)
	} else if requeued > 0 {
		logger.Infof("Startup reconciliation requeued %d stuck broadcasts", requeued)
	}

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(db, redisClient, sched)
	broadcastHandler := handlers.NewBroadcastHandler(broadcastService)
	schedulerHandler := handlers.NewSchedulerHandler(sched, broadcastService, ctx)

	// Auto-start scheduler
	if os.Getenv("AUTO_START_SCHEDULER") != "false" {
		logger.Infof("Auto-starting scheduler...")
		if err := sched.Start(ctx); err != nil {
			logger.Warnf("Failed to auto-start scheduler: %v", err)
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.Validator = validator.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			"x-api-key",
		},
	}))

	// Setup routes
	routes.RegisterRoutes(e, healthHandler, broadcastHandler, schedulerHandler, cfg)

	// Start server in goroutine
	go func() {
		addr := ":" + cfg.Server.Port
		logger.Infof("Server starting on http://localhost%s", addr)
		logger.Infof("Swagger docs available at http://localhost%s/swagger/index.html", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Infof("Shutting down gracefully...")

	// Cancel context to signal all goroutines to stop
	cancel()

	// Stop scheduler first (with timeout)
	if sched.IsRunning() {
		logger.Infof("Stopping scheduler...")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()

		done := make(chan error, 1)
		go func() {
			done <- sched.Stop()
		}()

		select {
		case err := <-done:
			if err != nil {
				logger.Errorf("Error stopping scheduler: %v", err)
			} else {
				logger.Infof("Scheduler stopped successfully")
			}
		case <-stopCtx.Done():
			logger.Warnf("Scheduler stop timeout, forcing shutdown")
		}
	}

	// Shutdown HTTP server (with timeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Infof("Shutting down HTTP server...")
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	} else {
		logger.Infof("HTTP server stopped successfully")
	}

	// Close database connection
	logger.Infof("Closing database connection...")
	if err := db.Close(); err != nil {
		logger.Errorf("Error closing database: %v", err)
	}

	// Close Redis connection
	if redisClient != nil {
		logger.Infof("Closing Redis connection...")
		if err := redisClient.Close(); err != nil {
			logger.Errorf("Error closing Redis: %v", err)
		}
	}

	logger.Infof("Graceful shutdown completed")
}
