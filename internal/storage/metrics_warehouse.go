package storage

import (
	"context"
	"fmt"
	"time"
)

// ProviderMetricsRow is one aggregated metrics sample for a provider,
// written by the metrics refresh job.
type ProviderMetricsRow struct {
	ProviderAddress   string
	WindowStart       time.Time
	WindowEnd         time.Time
	DealsCreated      int64
	DealsFailed       int64
	RetrievalSuccess  int64
	RetrievalAttempts int64
	DealSuccessDelta  int64
	DealFaultDelta    int64
	RecordedAt        time.Time
}

// MetricsWarehouse handles aggregated provider metrics persistence in
// ClickHouse. High-volume time-series rows live here rather than Postgres.
type MetricsWarehouse struct {
	db *ClickHouseDB
}

// NewMetricsWarehouse creates a new metrics warehouse
func NewMetricsWarehouse(db *ClickHouseDB) *MetricsWarehouse {
	return &MetricsWarehouse{db: db}
}

// InsertBatch writes one metrics sample per provider.
func (w *MetricsWarehouse) InsertBatch(ctx context.Context, samples []*ProviderMetricsRow) error {
	if len(samples) == 0 {
		return nil
	}

	batch, err := w.db.Conn().PrepareBatch(ctx, `
		INSERT INTO provider_metrics (
			provider_address, window_start, window_end, deals_created, deals_failed,
			retrieval_success, retrieval_attempts, deal_success_delta, deal_fault_delta, recorded_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare metrics batch: %w", err)
	}

	for _, s := range samples {
		err = batch.Append(
			s.ProviderAddress,
			s.WindowStart,
			s.WindowEnd,
			s.DealsCreated,
			s.DealsFailed,
			s.RetrievalSuccess,
			s.RetrievalAttempts,
			s.DealSuccessDelta,
			s.DealFaultDelta,
			s.RecordedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append metrics row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send metrics batch: %w", err)
	}
	return nil
}

// DeleteOlderThan prunes metrics samples older than the cutoff.
func (w *MetricsWarehouse) DeleteOlderThan(ctx context.Context, cutoff time.Time) error {
	query := `ALTER TABLE provider_metrics DELETE WHERE recorded_at < ?`

	if err := w.db.Conn().Exec(ctx, query, cutoff); err != nil {
		return fmt.Errorf("failed to prune provider metrics: %w", err)
	}
	return nil
}
