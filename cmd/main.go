package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
	"webreplay/backend/internal/api/handlers"
	"webreplay/backend/internal/api/routes"
	"webreplay/backend/internal/config"
	"webreplay/backend/internal/engine"
	"webreplay/backend/internal/executor"
	"webreplay/backend/internal/recorder"
	"webreplay/backend/internal/router"
	"webreplay/backend/internal/services"
	"webreplay/backend/internal/telemetry"
	"webreplay/backend/pkg/auth"
	"webreplay/backend/pkg/chrome"
	"webreplay/backend/pkg/database"
	"webreplay/backend/pkg/vision"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	// Initialize JWT
	auth.InitJWT(cfg.JWT.Secret)

	// Initialize database
	if err := database.InitDatabase(cfg); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}

	// OCR sidecar client; replay degrades to DOM-only when it is down
	visionClient := vision.NewClient(cfg.Vision.ServiceURL, time.Duration(cfg.Vision.Timeout)*time.Second)
	if visionClient.Ready() {
		log.Println("✅ Vision service is ready")
	} else {
		log.Println("⚠️ Vision service unavailable, vision strategies disabled until it recovers")
	}

	// Decision engine and mode router
	eng := engine.New(engine.DefaultRegistry(visionClient))
	modeRouter := router.NewRouter(eng, visionClient.Ready)
	if cfg.Engine.ForcedMode != "" {
		if err := modeRouter.SetForcedMode(router.Mode(cfg.Engine.ForcedMode)); err != nil {
			log.Fatal("Invalid ENGINE_FORCED_MODE:", err)
		}
		log.Printf("🔧 Forced execution mode active: %s", cfg.Engine.ForcedMode)
	}

	// Browser tab sessions, one per running replay
	sessions := chrome.NewSessionRegistry()

	// Step telemetry buffer and its persistence loop
	telemetryLogger := telemetry.New()

	// Initialize replay executor
	executor.InitExecutor(modeRouter, sessions, telemetryLogger,
		cfg.Engine.MaxWorkers, time.Duration(cfg.Engine.StepTimeout)*time.Second)

	// Recording sessions capture against the same OCR client
	recorder.Manager.Init(visionClient, recorder.Options{
		BufferCeiling:      cfg.Engine.EvidenceBufferMB << 20,
		ScreenshotInterval: time.Duration(cfg.Engine.ScreenshotInterval) * time.Second,
	})

	// Initialize scheduler service
	if err := services.InitScheduler(); err != nil {
		log.Fatal("Failed to initialize scheduler:", err)
	}

	// Initialize status sync service
	services.InitStatusSync()

	// Initialize telemetry flusher
	services.InitTelemetryFlusher(telemetryLogger)

	// Hand the health endpoints their data sources
	handlers.InitMonitoring(telemetryLogger, modeRouter, visionClient, sessions)

	// Set Gin mode
	gin.SetMode(cfg.Server.Mode)

	// Initialize router
	ginRouter := routes.SetupRoutes(cfg)

	// Setup graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		log.Println("Shutting down server...")

		// Stop scheduler
		if services.GlobalScheduler != nil {
			services.GlobalScheduler.Stop()
		}

		// Stop status sync service
		if services.GlobalStatusSync != nil {
			services.GlobalStatusSync.Stop()
		}

		// Flush remaining telemetry
		if services.GlobalTelemetryFlusher != nil {
			services.GlobalTelemetryFlusher.Stop()
		}

		// Stop the replay workers and release every browser
		if executor.GlobalExecutor != nil {
			executor.GlobalExecutor.Stop()
		}
		sessions.DetachAll()
		chrome.GlobalChromeManager.CleanupAll()

		log.Println("Server shutdown complete")
		os.Exit(0)
	}()

	// Start server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Server starting on %s", addr)

	if err := ginRouter.Run(addr); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
