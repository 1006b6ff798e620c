package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/skylimit/curator/internal/api"
	"github.com/skylimit/curator/internal/cache"
	"github.com/skylimit/curator/internal/db"
	"github.com/skylimit/curator/internal/engine"
	"github.com/skylimit/curator/internal/feedcache"
	"github.com/skylimit/curator/internal/source"
	"github.com/skylimit/curator/pkg/config"
	"github.com/skylimit/curator/pkg/logging"
	"github.com/skylimit/curator/pkg/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logging.InitLogger(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()

	logger := logging.GetLogger()
	logger.Info("Starting Curator")

	// Initialize telemetry
	telemetryShutdown, err := telemetry.Init(&cfg.Telemetry)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer telemetryShutdown()

	// Open the local store
	database, err := db.New(&cfg.Database, cfg.Logging.Level)
	if err != nil {
		logger.Fatal("Failed to open local store", zap.Error(err))
	}
	defer database.Close()

	// Hot cache is optional
	hot, err := cache.New(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer hot.Close()

	// Rate-limited feed source
	limits := source.NewLimitState()
	gate := source.NewGate(&cfg.Source, limits)
	src := source.NewClient(&cfg.Source, gate)

	repo := db.NewRepository(database.DB)
	manager := feedcache.NewManager(database.DB, cfg.Curation, cfg.Cache)
	eng := engine.New(cfg, src, limits, repo, manager, hot)

	startCtx, startCancel := context.WithTimeout(context.Background(), 15*time.Minute)
	if err := eng.Start(startCtx); err != nil {
		startCancel()
		logger.Fatal("Failed to start engine", zap.Error(err))
	}
	startCancel()
	defer eng.Stop()

	// Create Gin router
	if cfg.Logging.Level == "DEBUG" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	api.NewRouter(eng).SetupRoutes(router)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
