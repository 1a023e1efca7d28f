package models

import (
	"time"

	"github.com/dealwatch/internal/types"
)

// RetrievalAttempt represents one strategy execution against a deal.
// Immutable once created.
type RetrievalAttempt struct {
	ID                string                 `json:"id" db:"id"`
	DealID            string                 `json:"dealId" db:"deal_id"`
	Method            types.RetrievalMethod  `json:"method" db:"method"`
	Success           bool                   `json:"success" db:"success"`
	URL               string                 `json:"url" db:"url"`
	LatencyMs         *int64                 `json:"latencyMs,omitempty" db:"latency_ms"`
	TTFBMs            *int64                 `json:"ttfbMs,omitempty" db:"ttfb_ms"`
	ThroughputBps     *float64               `json:"throughputBps,omitempty" db:"throughput_bps"`
	ResponseCode      *int                   `json:"responseCode,omitempty" db:"response_code"`
	BytesRetrieved    int64                  `json:"bytesRetrieved" db:"bytes_retrieved"`
	ValidationMethod  types.ValidationMethod `json:"validationMethod" db:"validation_method"`
	ValidationDetails *string                `json:"validationDetails,omitempty" db:"validation_details"`
	RetryCount        int                    `json:"retryCount" db:"retry_count"`
	ErrorMessage      *string                `json:"errorMessage,omitempty" db:"error_message"`
	StartedAt         time.Time              `json:"startedAt" db:"started_at"`
	CompletedAt       time.Time              `json:"completedAt" db:"completed_at"`
}
