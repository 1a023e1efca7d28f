// Package main provides the scheduler entry point for the deal watch service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dealwatch/internal/config"
	"github.com/dealwatch/internal/logging"
	"github.com/dealwatch/internal/scheduler"
	"github.com/dealwatch/internal/storage"
	"github.com/dealwatch/internal/types"
)

// Deadlines for the global jobs. Deal and retrieval deadlines come from
// configuration; these housekeeping jobs do not need tuning knobs.
const (
	refreshJobTimeout = 5 * time.Minute
	metricsJobTimeout = 5 * time.Minute
	cleanupJobTimeout = 30 * time.Minute
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.NewLogger(logging.LevelError, logging.FormatText).
			WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	logger := logging.NewLogger(
		logging.ParseLevel(cfg.Logging.Level),
		logging.ParseFormat(cfg.Logging.Format),
	)
	logger.Info("Deal watch scheduler starting")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to Postgres")
		os.Exit(1)
	}
	defer postgres.Close()

	scheduleRepo := storage.NewScheduleRepository(postgres)
	jobRepo := storage.NewJobRepository(postgres)

	timeouts := map[types.JobType]time.Duration{
		types.JobTypeDeal:             cfg.Deal.JobTimeout,
		types.JobTypeRetrieval:        cfg.Retrieval.JobTimeout,
		types.JobTypeProvidersRefresh: refreshJobTimeout,
		types.JobTypeMetrics:          metricsJobTimeout,
		types.JobTypeMetricsCleanup:   cleanupJobTimeout,
	}

	sched, err := scheduler.New(scheduleRepo, jobRepo, cfg.Scheduler, cfg.Worker.RetryLimit, timeouts, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create scheduler")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Shutdown signal received")
		cancel()
	}()

	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("Scheduler stopped with error")
		os.Exit(1)
	}
	logger.Info("Scheduler stopped")
}
