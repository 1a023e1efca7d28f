// Package api provides the administrative HTTP surface: schedule
// pause/resume and run-now, read access to providers, deals and jobs, plus
// health and metrics endpoints. The scheduler itself needs no command API;
// administration is expressed as direct schedule-row mutations.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dealwatch/internal/config"
	"github.com/dealwatch/internal/logging"
	"github.com/dealwatch/internal/models"
	"github.com/dealwatch/internal/types"
)

// ScheduleAdmin exposes the schedule mutations the admin surface performs.
type ScheduleAdmin interface {
	List(ctx context.Context) ([]*models.ScheduleState, error)
	Get(ctx context.Context, jobType types.JobType, provider string) (*models.ScheduleState, error)
	SetPaused(ctx context.Context, jobType types.JobType, provider string, paused bool) error
	SetNextRunAt(ctx context.Context, jobType types.JobType, provider string, nextRunAt time.Time) error
}

// ProviderReader reads the provider registry.
type ProviderReader interface {
	ListActive(ctx context.Context) ([]*models.Provider, error)
	GetByAddress(ctx context.Context, address string) (*models.Provider, error)
}

// DealReader reads deals and their retrieval attempts.
type DealReader interface {
	GetByID(ctx context.Context, id string) (*models.Deal, error)
	ListByProvider(ctx context.Context, provider string, limit int) ([]*models.Deal, error)
}

// AttemptReader reads retrieval attempts.
type AttemptReader interface {
	ListByDeal(ctx context.Context, dealID string) ([]*models.RetrievalAttempt, error)
}

// JobReader reads job queue state.
type JobReader interface {
	ListRecent(ctx context.Context, queue string, limit int) ([]*models.Job, error)
	CountByState(ctx context.Context, queue string, state types.JobState) (int, error)
}

// Server is the admin HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	schedules  ScheduleAdmin
	providers  ProviderReader
	deals      DealReader
	attempts   AttemptReader
	jobs       JobReader
	registry   *prometheus.Registry
	config     *config.ServerConfig
	logger     *logging.Logger
}

// NewServer creates the admin server. registry may be nil to disable the
// metrics endpoint.
func NewServer(
	cfg *config.ServerConfig,
	schedules ScheduleAdmin,
	providers ProviderReader,
	deals DealReader,
	attempts AttemptReader,
	jobs JobReader,
	registry *prometheus.Registry,
	logger *logging.Logger,
) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		schedules: schedules,
		providers: providers,
		deals:     deals,
		attempts:  attempts,
		jobs:      jobs,
		registry:  registry,
		config:    cfg,
		logger:    logger,
	}

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	if s.registry != nil {
		s.router.Use(MetricsMiddleware(s.registry))
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/providers", s.handleListProviders).Methods("GET")
	api.HandleFunc("/providers/{address}", s.handleGetProvider).Methods("GET")
	api.HandleFunc("/providers/{address}/deals", s.handleListProviderDeals).Methods("GET")

	api.HandleFunc("/deals/{id}", s.handleGetDeal).Methods("GET")

	api.HandleFunc("/schedules", s.handleListSchedules).Methods("GET")
	api.HandleFunc("/schedules/{jobType}/pause", s.handlePauseSchedule).Methods("POST")
	api.HandleFunc("/schedules/{jobType}/resume", s.handleResumeSchedule).Methods("POST")
	api.HandleFunc("/schedules/{jobType}/run-now", s.handleRunNow).Methods("POST")

	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "dealwatch",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Admin server starting")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Admin server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
