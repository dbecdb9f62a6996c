package routes

import (
	"log"
	"os"
	"webreplay/backend/internal/api/handlers"
	"webreplay/backend/internal/api/middleware"
	"webreplay/backend/internal/config"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(cfg *config.Config) *gin.Engine {
	router := gin.Default()

	// Global middleware
	router.Use(middleware.CORSMiddleware())
	router.Use(gin.Recovery())

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Public routes (no auth required)
		auth := v1.Group("/auth")
		{
			auth.POST("/login", handlers.Login)
			auth.POST("/register", handlers.Register)
		}

		// Health check
		v1.GET("/health", handlers.HealthCheck)

		// WebSocket endpoint (no auth middleware for WebSocket)
		v1.GET("/ws/recording", handlers.RecordingWebSocket)

		// Protected routes (auth required)
		protected := v1.Group("")
		protected.Use(middleware.AuthMiddleware())
		{
			// User management
			users := protected.Group("/users")
			{
				users.GET("/profile", handlers.GetProfile)
				users.PUT("/profile", handlers.UpdateProfile)
				users.GET("", handlers.GetUsers)
				users.PUT("/:id/password", handlers.AdminChangePassword) // Admin only
			}

			// Recording sessions
			recording := protected.Group("/recording")
			{
				recording.POST("/start", handlers.StartRecording)
				recording.POST("/stop", handlers.StopRecording)
				recording.GET("/status", handlers.GetRecordingStatus)
				recording.POST("/save", handlers.SaveRecording)
			}

			// Saved recordings
			recordings := protected.Group("/recordings")
			{
				recordings.GET("", handlers.GetRecordings)
				recordings.GET("/:id", handlers.GetRecording)
				recordings.PUT("/:id", handlers.UpdateRecording)
				recordings.DELETE("/:id", handlers.DeleteRecording)
				recordings.POST("/:id/execute", handlers.ExecuteRecording)
			}

			// Replay executions
			replays := protected.Group("/replays")
			{
				replays.GET("", handlers.GetReplayExecutions)
				replays.GET("/statistics", handlers.GetReplayStatistics)
				replays.GET("/:id", handlers.GetReplayExecution)
				replays.GET("/:id/status", handlers.GetReplayExecutionStatus)
				replays.DELETE("/:id", handlers.DeleteReplayExecution)
				replays.POST("/:id/stop", handlers.StopReplayExecution)
				replays.POST("/:id/reroute", handlers.RerouteReplayStep)
				replays.GET("/:id/logs", handlers.GetReplayExecutionLogs)
				replays.GET("/:id/screenshots", handlers.GetReplayExecutionScreenshots)
				replays.GET("/:id/telemetry", handlers.GetExecutionTelemetry)
			}

			// Strategy telemetry
			telemetry := protected.Group("/telemetry")
			{
				telemetry.GET("/health", handlers.GetStrategyHealth)
				telemetry.GET("/statistics", handlers.GetStrategyStatistics)
			}
		}

		// API for serving screenshots (supports daily folders)
		router.GET("/api/v1/screenshots/*filepath", func(c *gin.Context) {
			filepath := c.Param("filepath")
			// Remove leading slash from wildcard param
			if len(filepath) > 0 && filepath[0] == '/' {
				filepath = filepath[1:]
			}
			fullPath := "../screenshots/" + filepath

			// Check if file exists
			if _, err := os.Stat(fullPath); os.IsNotExist(err) {
				log.Printf("Screenshot file not found: %s", fullPath)
				c.JSON(404, gin.H{"error": "Screenshot not found"})
				return
			}

			log.Printf("Serving screenshot: %s", fullPath)
			c.File(fullPath)
		})
	}

	return router
}
