package retrieval

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dealwatch/internal/adapter"
	"github.com/dealwatch/internal/errors"
	"github.com/dealwatch/internal/models"
	"github.com/dealwatch/internal/types"
)

// DirectStrategy fetches the stored piece straight from the provider's
// service endpoint and validates by comparing the retrieved byte length to
// the size recorded at upload time. It is the cheapest check and runs first.
type DirectStrategy struct {
	fetcher *adapter.Fetcher
}

// NewDirectStrategy creates the direct-provider strategy.
func NewDirectStrategy(fetcher *adapter.Fetcher) *DirectStrategy {
	return &DirectStrategy{fetcher: fetcher}
}

// Method implements Strategy.
func (s *DirectStrategy) Method() types.RetrievalMethod { return types.MethodDirect }

// Priority implements Strategy.
func (s *DirectStrategy) Priority() int { return 100 }

// CanHandle requires a piece identifier and a provider service endpoint.
func (s *DirectStrategy) CanHandle(deal *models.Deal, provider *models.Provider) bool {
	return deal.PieceCID != nil && *deal.PieceCID != "" && provider.ServiceURL != ""
}

// ConstructTarget builds the piece retrieval URL on the provider endpoint.
func (s *DirectStrategy) ConstructTarget(deal *models.Deal, provider *models.Provider) (*Target, error) {
	if !s.CanHandle(deal, provider) {
		return nil, errors.NewBusinessError("STRATEGY_NOT_APPLICABLE",
			fmt.Sprintf("deal %s lacks piece identifier or provider %s lacks service URL", deal.ID, provider.Address))
	}
	return &Target{
		URL: fmt.Sprintf("%s/piece/%s", strings.TrimRight(provider.ServiceURL, "/"), *deal.PieceCID),
	}, nil
}

// Execute fetches the piece and checks its length against the recorded
// original size.
func (s *DirectStrategy) Execute(ctx context.Context, deal *models.Deal, provider *models.Provider) (*Attempt, error) {
	target, err := s.ConstructTarget(deal, provider)
	if err != nil {
		return nil, err
	}

	attempt := &Attempt{
		Method:           s.Method(),
		URL:              target.URL,
		ValidationMethod: types.ValidationSizeCheck,
		StartedAt:        time.Now(),
	}

	result, err := s.fetcher.Get(ctx, target.URL, target.Headers)
	if err != nil {
		attempt.CompletedAt = time.Now()
		if errors.IsCancelled(err) {
			return attempt, err
		}
		msg := err.Error()
		attempt.ErrorMessage = &msg
		return attempt, nil
	}

	attempt.ResponseCode = &result.StatusCode
	attempt.BytesRetrieved = int64(len(result.Body))
	latency := result.Timing.LatencyMs()
	ttfb := result.Timing.TTFBMs()
	throughput := result.Timing.ThroughputBps(attempt.BytesRetrieved)
	attempt.LatencyMs = &latency
	attempt.TTFBMs = &ttfb
	attempt.ThroughputBps = &throughput
	attempt.CompletedAt = time.Now()

	if result.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("HTTP %d retrieving piece", result.StatusCode)
		attempt.ErrorMessage = &msg
		return attempt, nil
	}

	detail := fmt.Sprintf("size expected=%d actual=%d", deal.FileSize, attempt.BytesRetrieved)
	attempt.ValidationDetails = &detail
	if attempt.BytesRetrieved != deal.FileSize {
		msg := "retrieved size does not match recorded size"
		attempt.ErrorMessage = &msg
		return attempt, nil
	}

	attempt.Success = true
	return attempt, nil
}
