package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dealwatch/internal/models"
)

// RetrievalAttemptRepository handles retrieval attempt persistence. Attempts
// are immutable once created, so there is no update path.
type RetrievalAttemptRepository struct {
	db *PostgresDB
}

// NewRetrievalAttemptRepository creates a new retrieval attempt repository
func NewRetrievalAttemptRepository(db *PostgresDB) *RetrievalAttemptRepository {
	return &RetrievalAttemptRepository{db: db}
}

const attemptColumns = `id, deal_id, method, success, url, latency_ms, ttfb_ms, throughput_bps,
	response_code, bytes_retrieved, validation_method, validation_details, retry_count,
	error_message, started_at, completed_at`

// Create inserts a retrieval attempt record
func (r *RetrievalAttemptRepository) Create(ctx context.Context, attempt *models.RetrievalAttempt) error {
	query := `
		INSERT INTO retrieval_attempts (id, deal_id, method, success, url, latency_ms, ttfb_ms,
			throughput_bps, response_code, bytes_retrieved, validation_method, validation_details,
			retry_count, error_message, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		attempt.ID,
		attempt.DealID,
		attempt.Method,
		attempt.Success,
		attempt.URL,
		attempt.LatencyMs,
		attempt.TTFBMs,
		attempt.ThroughputBps,
		attempt.ResponseCode,
		attempt.BytesRetrieved,
		attempt.ValidationMethod,
		attempt.ValidationDetails,
		attempt.RetryCount,
		attempt.ErrorMessage,
		attempt.StartedAt,
		attempt.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create retrieval attempt: %w", err)
	}
	return nil
}

// ListByDeal returns attempts for a deal in execution order.
func (r *RetrievalAttemptRepository) ListByDeal(ctx context.Context, dealID string) ([]*models.RetrievalAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM retrieval_attempts WHERE deal_id = $1 ORDER BY started_at`

	rows, err := r.db.Pool().Query(ctx, query, dealID)
	if err != nil {
		return nil, fmt.Errorf("failed to list retrieval attempts: %w", err)
	}
	defer rows.Close()

	return collectAttempts(rows)
}

// CountSince returns per-provider (success, total) attempt counts within the
// window. Used by the metrics refresh job.
func (r *RetrievalAttemptRepository) CountSince(ctx context.Context, since time.Time) (map[string][2]int64, error) {
	query := `
		SELECT d.provider_address,
		       COUNT(*) FILTER (WHERE a.success),
		       COUNT(*)
		FROM retrieval_attempts a
		JOIN deals d ON d.id = a.deal_id
		WHERE a.started_at >= $1
		GROUP BY d.provider_address
	`

	rows, err := r.db.Pool().Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count retrieval attempts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string][2]int64)
	for rows.Next() {
		var provider string
		var success, total int64
		if err := rows.Scan(&provider, &success, &total); err != nil {
			return nil, fmt.Errorf("failed to scan attempt count: %w", err)
		}
		counts[provider] = [2]int64{success, total}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempt counts: %w", err)
	}
	return counts, nil
}

// DeleteOlderThan prunes attempt rows older than the cutoff.
func (r *RetrievalAttemptRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM retrieval_attempts WHERE started_at < $1`

	tag, err := r.db.Pool().Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune retrieval attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectAttempts(rows pgx.Rows) ([]*models.RetrievalAttempt, error) {
	var attempts []*models.RetrievalAttempt
	for rows.Next() {
		var a models.RetrievalAttempt
		err := rows.Scan(
			&a.ID,
			&a.DealID,
			&a.Method,
			&a.Success,
			&a.URL,
			&a.LatencyMs,
			&a.TTFBMs,
			&a.ThroughputBps,
			&a.ResponseCode,
			&a.BytesRetrieved,
			&a.ValidationMethod,
			&a.ValidationDetails,
			&a.RetryCount,
			&a.ErrorMessage,
			&a.StartedAt,
			&a.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan retrieval attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate retrieval attempts: %w", err)
	}
	return attempts, nil
}
