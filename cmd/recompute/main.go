// Command recompute rebuilds the statistics snapshot and re-applies the
// curation decisions once, then exits. Intended for manual runs after
// changing amplification factors or curation settings.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/skylimit/curator/internal/db"
	"github.com/skylimit/curator/internal/engine"
	"github.com/skylimit/curator/internal/feedcache"
	"github.com/skylimit/curator/internal/source"
	"github.com/skylimit/curator/pkg/config"
	"github.com/skylimit/curator/pkg/logging"
	"github.com/skylimit/curator/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logging.InitLogger(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()

	logger := logging.GetLogger()

	telemetryShutdown, err := telemetry.Init(&cfg.Telemetry)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer telemetryShutdown()

	database, err := db.New(&cfg.Database, cfg.Logging.Level)
	if err != nil {
		logger.Fatal("Failed to open local store", zap.Error(err))
	}
	defer database.Close()

	limits := source.NewLimitState()
	gate := source.NewGate(&cfg.Source, limits)
	src := source.NewClient(&cfg.Source, gate)

	repo := db.NewRepository(database.DB)
	manager := feedcache.NewManager(database.DB, cfg.Curation, cfg.Cache)
	eng := engine.New(cfg, src, limits, repo, manager, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	stats, filter, err := eng.RecomputeStatistics(ctx)
	if err != nil {
		logger.Fatal("Recomputation failed", zap.Error(err))
	}

	logger.Info("Recomputation complete",
		zap.Float64("skylimit", stats.SkylimitNumber),
		zap.Int("intervals", stats.IntervalCount),
		zap.Int("users", len(filter)))
}
