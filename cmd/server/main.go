// Package main provides the admin API server entry point for the deal
// watch service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dealwatch/internal/api"
	"github.com/dealwatch/internal/config"
	"github.com/dealwatch/internal/logging"
	"github.com/dealwatch/internal/storage"
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
	logger.Info("Deal watch admin server starting")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to Postgres")
		os.Exit(1)
	}
	defer postgres.Close()

	scheduleRepo := storage.NewScheduleRepository(postgres)
	providerRepo := storage.NewProviderRepository(postgres)
	dealRepo := storage.NewDealRepository(postgres)
	attemptRepo := storage.NewRetrievalAttemptRepository(postgres)
	jobRepo := storage.NewJobRepository(postgres)

	// The registry carries the API's own request metrics; worker and
	// pipeline series are scraped from the worker process instead.
	registry := prometheus.NewRegistry()

	server := api.NewServer(&cfg.Server, scheduleRepo, providerRepo, dealRepo, attemptRepo, jobRepo, registry, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.WithError(err).Error("Server failed")
		os.Exit(1)
	case <-sigCh:
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
		os.Exit(1)
	}
	logger.Info("Server stopped")
}
