package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dealwatch/internal/models"
	"github.com/dealwatch/internal/types"
)

// ErrDealNotFound is returned when no deal row exists for the id.
var ErrDealNotFound = errors.New("deal not found")

// DealRepository handles deal data persistence
type DealRepository struct {
	db *PostgresDB
}

// NewDealRepository creates a new deal repository
func NewDealRepository(db *PostgresDB) *DealRepository {
	return &DealRepository{db: db}
}

const dealColumns = `id, provider_address, wallet_address, file_name, file_size, piece_id, piece_cid,
	root_cid, block_cids, transaction_hash, status, upload_start_time, upload_end_time,
	piece_added_time, piece_confirmed_time, ingest_latency_ms, ingest_throughput_bps,
	chain_latency_ms, deal_latency_ms, deal_latency_with_discoverability_ms,
	error_message, error_code, retry_count, created_at, updated_at`

// Create inserts a new deal record
func (r *DealRepository) Create(ctx context.Context, deal *models.Deal) error {
	query := `
		INSERT INTO deals (id, provider_address, wallet_address, file_name, file_size, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`

	_, err := r.db.Pool().Exec(ctx, query,
		deal.ID,
		deal.ProviderAddress,
		deal.WalletAddress,
		deal.FileName,
		deal.FileSize,
		deal.Status,
		deal.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to create deal: %w", err)
	}
	return nil
}

// Update persists the full mutable state of a deal
func (r *DealRepository) Update(ctx context.Context, deal *models.Deal) error {
	query := `
		UPDATE deals
		SET piece_id = $2, piece_cid = $3, root_cid = $4, block_cids = $5, transaction_hash = $6,
		    status = $7, upload_start_time = $8, upload_end_time = $9, piece_added_time = $10,
		    piece_confirmed_time = $11, ingest_latency_ms = $12, ingest_throughput_bps = $13,
		    chain_latency_ms = $14, deal_latency_ms = $15, deal_latency_with_discoverability_ms = $16,
		    error_message = $17, error_code = $18, retry_count = $19, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		deal.ID,
		deal.PieceID,
		deal.PieceCID,
		deal.RootCID,
		deal.BlockCIDs,
		deal.TransactionHash,
		deal.Status,
		deal.UploadStartTime,
		deal.UploadEndTime,
		deal.PieceAddedTime,
		deal.PieceConfirmedTime,
		deal.IngestLatencyMs,
		deal.IngestThroughputBps,
		deal.ChainLatencyMs,
		deal.DealLatencyMs,
		deal.DealLatencyWithDiscoverabilityMs,
		deal.ErrorMessage,
		deal.ErrorCode,
		deal.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to update deal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDealNotFound
	}
	return nil
}

// GetByID retrieves a deal by id
func (r *DealRepository) GetByID(ctx context.Context, id string) (*models.Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals WHERE id = $1`

	row := r.db.Pool().QueryRow(ctx, query, id)
	deal, err := scanDeal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDealNotFound
		}
		return nil, fmt.Errorf("failed to get deal: %w", err)
	}
	return deal, nil
}

// GetLatestByProvider returns the most recent deal for a provider, or
// ErrDealNotFound when the provider has none.
func (r *DealRepository) GetLatestByProvider(ctx context.Context, provider string) (*models.Deal, error) {
	query := `
		SELECT ` + dealColumns + `
		FROM deals
		WHERE provider_address = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	row := r.db.Pool().QueryRow(ctx, query, provider)
	deal, err := scanDeal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDealNotFound
		}
		return nil, fmt.Errorf("failed to get latest deal: %w", err)
	}
	return deal, nil
}

// GetLatestCreatedByProvider returns the most recent successfully created
// deal for a provider. Retrieval jobs verify against this deal.
func (r *DealRepository) GetLatestCreatedByProvider(ctx context.Context, provider string) (*models.Deal, error) {
	query := `
		SELECT ` + dealColumns + `
		FROM deals
		WHERE provider_address = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	row := r.db.Pool().QueryRow(ctx, query, provider, types.DealStatusDealCreated)
	deal, err := scanDeal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDealNotFound
		}
		return nil, fmt.Errorf("failed to get latest created deal: %w", err)
	}
	return deal, nil
}

// ListByProvider returns deals for a provider, newest first.
func (r *DealRepository) ListByProvider(ctx context.Context, provider string, limit int) ([]*models.Deal, error) {
	query := `
		SELECT ` + dealColumns + `
		FROM deals
		WHERE provider_address = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deals: %w", err)
	}
	defer rows.Close()

	return collectDeals(rows)
}

// CountByStatusSince returns per-provider deal counts for one status within
// the window. Used by the metrics refresh job.
func (r *DealRepository) CountByStatusSince(ctx context.Context, status types.DealStatus, since time.Time) (map[string]int64, error) {
	query := `
		SELECT provider_address, COUNT(*)
		FROM deals
		WHERE status = $1 AND created_at >= $2
		GROUP BY provider_address
	`

	rows, err := r.db.Pool().Query(ctx, query, status, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count deals: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var provider string
		var count int64
		if err := rows.Scan(&provider, &count); err != nil {
			return nil, fmt.Errorf("failed to scan deal count: %w", err)
		}
		counts[provider] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deal counts: %w", err)
	}
	return counts, nil
}

// DeleteOlderThan prunes deal rows older than the cutoff.
func (r *DealRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM deals WHERE created_at < $1`

	tag, err := r.db.Pool().Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune deals: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanDeal(row pgx.Row) (*models.Deal, error) {
	var deal models.Deal
	err := row.Scan(
		&deal.ID,
		&deal.ProviderAddress,
		&deal.WalletAddress,
		&deal.FileName,
		&deal.FileSize,
		&deal.PieceID,
		&deal.PieceCID,
		&deal.RootCID,
		&deal.BlockCIDs,
		&deal.TransactionHash,
		&deal.Status,
		&deal.UploadStartTime,
		&deal.UploadEndTime,
		&deal.PieceAddedTime,
		&deal.PieceConfirmedTime,
		&deal.IngestLatencyMs,
		&deal.IngestThroughputBps,
		&deal.ChainLatencyMs,
		&deal.DealLatencyMs,
		&deal.DealLatencyWithDiscoverabilityMs,
		&deal.ErrorMessage,
		&deal.ErrorCode,
		&deal.RetryCount,
		&deal.CreatedAt,
		&deal.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &deal, nil
}

func collectDeals(rows pgx.Rows) ([]*models.Deal, error) {
	var deals []*models.Deal
	for rows.Next() {
		deal, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deal: %w", err)
		}
		deals = append(deals, deal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deals: %w", err)
	}
	return deals, nil
}
