// Package main provides the job worker entry point for the deal watch service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dealwatch/internal/adapter"
	"github.com/dealwatch/internal/config"
	"github.com/dealwatch/internal/ipni"
	"github.com/dealwatch/internal/logging"
	"github.com/dealwatch/internal/metrics"
	"github.com/dealwatch/internal/models"
	"github.com/dealwatch/internal/ratelimit"
	"github.com/dealwatch/internal/retrieval"
	"github.com/dealwatch/internal/service"
	"github.com/dealwatch/internal/storage"
	"github.com/dealwatch/internal/types"
	"github.com/dealwatch/internal/worker"
)

// indexRequestTimeout bounds a single index query; the overall
// discoverability window is configured separately.
const indexRequestTimeout = 30 * time.Second

// indexBudgetPerSecond converts the configured QPS limit into a per-second
// request budget shared across replicas.
func indexBudgetPerSecond(maxQPS float64) int {
	if maxQPS < 1 {
		return 1
	}
	return int(maxQPS)
}

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
	logger.Info("Deal watch worker starting")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to Postgres")
		os.Exit(1)
	}
	defer postgres.Close()

	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to ClickHouse")
		os.Exit(1)
	}
	defer clickhouse.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis, cfg.Cache.ProviderTTL)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to Redis")
		os.Exit(1)
	}
	defer redis.Close()

	logger.Info("Database connections established")

	dealRepo := storage.NewDealRepository(postgres)
	providerRepo := storage.NewProviderRepository(postgres)
	attemptRepo := storage.NewRetrievalAttemptRepository(postgres)
	scheduleRepo := storage.NewScheduleRepository(postgres)
	jobRepo := storage.NewJobRepository(postgres)
	warehouse := storage.NewMetricsWarehouse(clickhouse)

	registry := prometheus.NewRegistry()
	sink := metrics.NewSink(registry)

	fetcher := adapter.NewFetcher(cfg.Retrieval.FetchTimeout, cfg.Retrieval.MaxBodySize)
	chainClient := adapter.NewHTTPChainClient(cfg.Chain.ServiceURL, cfg.Chain.APIKey, cfg.Chain.Timeout)
	directory := adapter.NewHTTPProviderDirectory(cfg.Chain.ServiceURL, cfg.Chain.APIKey, cfg.Chain.Timeout)

	indexBudget, err := ratelimit.NewBudget(&ratelimit.BudgetConfig{
		Redis:             redis.Client(),
		Name:              "ipni",
		RequestsPerWindow: indexBudgetPerSecond(cfg.Discoverability.MaxQPS),
	})
	if err != nil {
		logger.WithError(err).Error("Failed to create index request budget")
		os.Exit(1)
	}

	indexClient := ipni.NewHTTPIndexClient(cfg.Discoverability.IndexerURL, indexRequestTimeout)
	poller := ipni.NewPoller(indexClient, ipni.PollerConfig{
		PollInterval: cfg.Discoverability.PollInterval,
		Timeout:      cfg.Discoverability.Timeout,
		MaxQPS:       cfg.Discoverability.MaxQPS,
		Budget:       indexBudget,
	}, logger)

	retriever, err := retrieval.NewVerifier([]retrieval.Strategy{
		retrieval.NewDirectStrategy(fetcher),
		retrieval.NewBlockFetchStrategy(fetcher),
	}, cfg.Retrieval.ChunkSize, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create retrieval verifier")
		os.Exit(1)
	}

	dealService, err := service.NewDealService(
		dealRepo, providerRepo, attemptRepo, chainClient, poller, retriever, sink, cfg.Deal, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create deal service")
		os.Exit(1)
	}

	retrievalService, err := service.NewRetrievalService(
		dealRepo, providerRepo, attemptRepo, retriever, sink, cfg.Retrieval, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create retrieval service")
		os.Exit(1)
	}

	providerService, err := service.NewProviderService(
		providerRepo, scheduleRepo, directory, redis, cfg.Scheduler, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create provider service")
		os.Exit(1)
	}

	metricsService, err := service.NewMetricsService(
		dealRepo, attemptRepo, warehouse, jobRepo, cfg.Scheduler.MetricsInterval, cfg.Metrics, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create metrics service")
		os.Exit(1)
	}

	executor, err := worker.NewExecutor(jobRepo, cfg.Worker, sink, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create executor")
		os.Exit(1)
	}
	pool, err := worker.NewPool(jobRepo, executor, cfg.Worker, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create worker pool")
		os.Exit(1)
	}

	pool.Register(types.JobTypeDeal, func(ctx context.Context, job *models.Job) error {
		_, err := dealService.CreateDeal(ctx, job.ProviderAddress)
		return err
	})
	pool.Register(types.JobTypeRetrieval, func(ctx context.Context, job *models.Job) error {
		return retrievalService.VerifyProvider(ctx, job.ProviderAddress)
	})
	pool.Register(types.JobTypeProvidersRefresh, func(ctx context.Context, job *models.Job) error {
		return providerService.Refresh(ctx)
	})
	pool.Register(types.JobTypeMetrics, func(ctx context.Context, job *models.Job) error {
		return metricsService.Refresh(ctx)
	})
	pool.Register(types.JobTypeMetricsCleanup, func(ctx context.Context, job *models.Job) error {
		return metricsService.Cleanup(ctx)
	})

	metricsServer := startMetricsServer(cfg, registry, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Shutdown signal received, draining jobs")
		cancel()
	}()

	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("Worker pool stopped with error")
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Metrics server shutdown failed")
	}
	logger.Info("Worker stopped")
}

// startMetricsServer exposes the worker's Prometheus registry and a health
// probe on the configured listen address.
func startMetricsServer(cfg *config.Config, registry *prometheus.Registry, logger *logging.Logger) *http.Server {
	serveMux := http.NewServeMux()
	serveMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	serveMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      serveMux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.WithField("addr", server.Addr).Info("Metrics endpoint listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("Metrics server stopped")
		}
	}()
	return server
}
