package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dealwatch/internal/config"
	"github.com/dealwatch/internal/logging"
	"github.com/dealwatch/internal/storage"
	"github.com/dealwatch/internal/types"
)

// DealCounter exposes the deal aggregations the metrics job reads.
type DealCounter interface {
	CountByStatusSince(ctx context.Context, status types.DealStatus, since time.Time) (map[string]int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AttemptCounter exposes the retrieval-attempt aggregations the metrics job
// reads. CountSince values are [success, total] pairs keyed by provider.
type AttemptCounter interface {
	CountSince(ctx context.Context, since time.Time) (map[string][2]int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Warehouse receives aggregated metrics rows.
type Warehouse interface {
	InsertBatch(ctx context.Context, samples []*storage.ProviderMetricsRow) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) error
}

// JobPruner prunes terminal job rows during cleanup.
type JobPruner interface {
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// baseline holds the last observed cumulative totals for one provider,
// used to derive deltas between refresh runs.
type baseline struct {
	dealSuccess int64
	dealFault   int64
}

// MetricsService aggregates per-provider outcomes into warehouse rows on a
// schedule, and prunes aged operational data. Baselines for delta
// computation live in an explicit per-instance map: a negative delta means
// the underlying counter was reset, so the baseline restarts from the
// current total; providers that disappear from the counts are pruned.
type MetricsService struct {
	dealRepo    DealCounter
	attemptRepo AttemptCounter
	warehouse   Warehouse
	jobRepo     JobPruner
	window      time.Duration
	cfg         config.MetricsConfig
	logger      *logging.Logger

	mu            sync.Mutex
	baselines     map[string]baseline
	lastWindowEnd time.Time
}

// NewMetricsService creates a metrics service. window is the aggregation
// window used when no previous run bounds it.
func NewMetricsService(
	dealRepo DealCounter,
	attemptRepo AttemptCounter,
	warehouse Warehouse,
	jobRepo JobPruner,
	window time.Duration,
	cfg config.MetricsConfig,
	logger *logging.Logger,
) (*MetricsService, error) {
	if dealRepo == nil || attemptRepo == nil || jobRepo == nil {
		return nil, fmt.Errorf("metrics service requires all repositories")
	}
	if warehouse == nil {
		return nil, fmt.Errorf("metrics service requires a warehouse")
	}
	if window <= 0 {
		window = time.Hour
	}
	return &MetricsService{
		dealRepo:    dealRepo,
		attemptRepo: attemptRepo,
		warehouse:   warehouse,
		jobRepo:     jobRepo,
		window:      window,
		cfg:         cfg,
		logger:      logger,
		baselines:   make(map[string]baseline),
	}, nil
}

// Refresh aggregates the window since the previous refresh into one row per
// provider and writes the batch to the warehouse.
func (s *MetricsService) Refresh(ctx context.Context) error {
	now := time.Now()

	s.mu.Lock()
	windowStart := s.lastWindowEnd
	s.mu.Unlock()
	if windowStart.IsZero() {
		windowStart = now.Add(-s.window)
	}

	created, err := s.dealRepo.CountByStatusSince(ctx, types.DealStatusDealCreated, windowStart)
	if err != nil {
		return fmt.Errorf("failed to count created deals: %w", err)
	}
	failed, err := s.dealRepo.CountByStatusSince(ctx, types.DealStatusFailed, windowStart)
	if err != nil {
		return fmt.Errorf("failed to count failed deals: %w", err)
	}
	attempts, err := s.attemptRepo.CountSince(ctx, windowStart)
	if err != nil {
		return fmt.Errorf("failed to count retrieval attempts: %w", err)
	}

	// Cumulative totals feed the delta baselines.
	totalCreated, err := s.dealRepo.CountByStatusSince(ctx, types.DealStatusDealCreated, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to count cumulative created deals: %w", err)
	}
	totalFailed, err := s.dealRepo.CountByStatusSince(ctx, types.DealStatusFailed, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to count cumulative failed deals: %w", err)
	}

	providers := make(map[string]struct{})
	for p := range created {
		providers[p] = struct{}{}
	}
	for p := range failed {
		providers[p] = struct{}{}
	}
	for p := range attempts {
		providers[p] = struct{}{}
	}
	for p := range totalCreated {
		providers[p] = struct{}{}
	}
	for p := range totalFailed {
		providers[p] = struct{}{}
	}

	rows := make([]*storage.ProviderMetricsRow, 0, len(providers))

	s.mu.Lock()
	for p := range providers {
		successDelta := s.advanceBaseline(p, totalCreated[p], totalFailed[p])
		rows = append(rows, &storage.ProviderMetricsRow{
			ProviderAddress:   p,
			WindowStart:       windowStart,
			WindowEnd:         now,
			DealsCreated:      created[p],
			DealsFailed:       failed[p],
			RetrievalSuccess:  attempts[p][0],
			RetrievalAttempts: attempts[p][1],
			DealSuccessDelta:  successDelta.dealSuccess,
			DealFaultDelta:    successDelta.dealFault,
			RecordedAt:        now,
		})
	}
	// Prune baselines for providers no longer appearing in any count.
	for p := range s.baselines {
		if _, ok := providers[p]; !ok {
			delete(s.baselines, p)
		}
	}
	s.lastWindowEnd = now
	s.mu.Unlock()

	if len(rows) == 0 {
		s.logger.Debug("No provider activity in metrics window")
		return nil
	}
	if err := s.warehouse.InsertBatch(ctx, rows); err != nil {
		return fmt.Errorf("failed to insert metrics batch: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"providers":    len(rows),
		"window_start": windowStart.Format(time.RFC3339),
		"window_end":   now.Format(time.RFC3339),
	}).Info("Metrics refreshed")
	return nil
}

// advanceBaseline computes the delta against the stored baseline and moves
// the baseline to the current totals. A negative delta means the counter
// was reset upstream; the current total becomes the whole delta. Caller
// holds s.mu.
func (s *MetricsService) advanceBaseline(provider string, totalSuccess, totalFault int64) baseline {
	prev := s.baselines[provider]

	successDelta := totalSuccess - prev.dealSuccess
	if successDelta < 0 {
		successDelta = totalSuccess
	}
	faultDelta := totalFault - prev.dealFault
	if faultDelta < 0 {
		faultDelta = totalFault
	}

	s.baselines[provider] = baseline{dealSuccess: totalSuccess, dealFault: totalFault}
	return baseline{dealSuccess: successDelta, dealFault: faultDelta}
}

// Cleanup prunes operational data past the retention window: warehouse
// rows, retrieval attempts, deals, and terminal jobs.
func (s *MetricsService) Cleanup(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)

	if err := s.warehouse.DeleteOlderThan(ctx, cutoff); err != nil {
		return fmt.Errorf("failed to prune warehouse rows: %w", err)
	}
	attempts, err := s.attemptRepo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune retrieval attempts: %w", err)
	}
	deals, err := s.dealRepo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune deals: %w", err)
	}
	jobs, err := s.jobRepo.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune jobs: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"cutoff":   cutoff.Format(time.RFC3339),
		"attempts": attempts,
		"deals":    deals,
		"jobs":     jobs,
	}).Info("Retention cleanup finished")
	return nil
}
