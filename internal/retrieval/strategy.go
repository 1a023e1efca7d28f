// Package retrieval runs retrieval strategies against a provider's deal and
// validates what comes back. Strategies form a closed set iterated in static
// priority order; each declares whether it can handle a deal, builds the
// fetch target, and validates the retrieved content its own way.
package retrieval

import (
	"context"
	"time"

	"github.com/dealwatch/internal/models"
	"github.com/dealwatch/internal/types"
)

// Target is the fetch destination a strategy constructed for a deal.
type Target struct {
	URL     string
	Headers map[string]string
}

// Attempt is the outcome of running one strategy. It maps one-to-one onto a
// persisted RetrievalAttempt.
type Attempt struct {
	Method            types.RetrievalMethod
	Success           bool
	URL               string
	LatencyMs         *int64
	TTFBMs            *int64
	ThroughputBps     *float64
	ResponseCode      *int
	BytesRetrieved    int64
	ValidationMethod  types.ValidationMethod
	ValidationDetails *string
	ErrorMessage      *string
	StartedAt         time.Time
	CompletedAt       time.Time
}

// Strategy is one way of retrieving and validating a deal's content.
type Strategy interface {
	// Method identifies the strategy in persisted attempts and metrics.
	Method() types.RetrievalMethod
	// Priority orders strategies; higher runs first.
	Priority() int
	// CanHandle reports whether the deal carries the metadata this
	// strategy needs.
	CanHandle(deal *models.Deal, provider *models.Provider) bool
	// ConstructTarget builds the fetch URL and headers for the deal.
	ConstructTarget(deal *models.Deal, provider *models.Provider) (*Target, error)
	// Execute fetches and validates the content, honoring ctx.
	Execute(ctx context.Context, deal *models.Deal, provider *models.Provider) (*Attempt, error)
}
