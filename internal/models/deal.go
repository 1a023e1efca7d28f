package models

import (
	"time"

	"github.com/dealwatch/internal/types"
)

// Deal represents one end-to-end storage test against a provider. Timestamps
// are recorded as lifecycle callbacks fire; latency fields are computed once
// from their timestamp pair and never recomputed.
type Deal struct {
	ID              string           `json:"id" db:"id"`
	ProviderAddress string           `json:"providerAddress" db:"provider_address"`
	WalletAddress   string           `json:"walletAddress" db:"wallet_address"`
	FileName        string           `json:"fileName" db:"file_name"`
	FileSize        int64            `json:"fileSize" db:"file_size"`
	PieceID         *string          `json:"pieceId,omitempty" db:"piece_id"`
	PieceCID        *string          `json:"pieceCid,omitempty" db:"piece_cid"`
	RootCID         *string          `json:"rootCid,omitempty" db:"root_cid"`
	BlockCIDs       []string         `json:"blockCids,omitempty" db:"block_cids"`
	TransactionHash *string          `json:"transactionHash,omitempty" db:"transaction_hash"`
	Status          types.DealStatus `json:"status" db:"status"`

	UploadStartTime    *time.Time `json:"uploadStartTime,omitempty" db:"upload_start_time"`
	UploadEndTime      *time.Time `json:"uploadEndTime,omitempty" db:"upload_end_time"`
	PieceAddedTime     *time.Time `json:"pieceAddedTime,omitempty" db:"piece_added_time"`
	PieceConfirmedTime *time.Time `json:"pieceConfirmedTime,omitempty" db:"piece_confirmed_time"`

	IngestLatencyMs                  *int64   `json:"ingestLatencyMs,omitempty" db:"ingest_latency_ms"`
	IngestThroughputBps              *float64 `json:"ingestThroughputBps,omitempty" db:"ingest_throughput_bps"`
	ChainLatencyMs                   *int64   `json:"chainLatencyMs,omitempty" db:"chain_latency_ms"`
	DealLatencyMs                    *int64   `json:"dealLatencyMs,omitempty" db:"deal_latency_ms"`
	DealLatencyWithDiscoverabilityMs *int64   `json:"dealLatencyWithDiscoverabilityMs,omitempty" db:"deal_latency_with_discoverability_ms"`

	ErrorMessage *string   `json:"errorMessage,omitempty" db:"error_message"`
	ErrorCode    *string   `json:"errorCode,omitempty" db:"error_code"`
	RetryCount   int       `json:"retryCount" db:"retry_count"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// Terminal reports whether the deal has reached a final status.
func (d *Deal) Terminal() bool {
	return d.Status == types.DealStatusDealCreated || d.Status == types.DealStatusFailed
}
