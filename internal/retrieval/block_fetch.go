package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dealwatch/internal/adapter"
	"github.com/dealwatch/internal/errors"
	"github.com/dealwatch/internal/models"
	"github.com/dealwatch/internal/types"
	"github.com/dealwatch/internal/verify"
)

// BlockFetchStrategy retrieves every block recorded at upload time from the
// provider's gateway and cryptographically verifies each one against its
// identifier. It is the only strategy performing true integrity checking.
type BlockFetchStrategy struct {
	fetcher *adapter.Fetcher
}

// NewBlockFetchStrategy creates the content-addressed strategy.
func NewBlockFetchStrategy(fetcher *adapter.Fetcher) *BlockFetchStrategy {
	return &BlockFetchStrategy{fetcher: fetcher}
}

// Method implements Strategy.
func (s *BlockFetchStrategy) Method() types.RetrievalMethod { return types.MethodBlockFetch }

// Priority implements Strategy.
func (s *BlockFetchStrategy) Priority() int { return 50 }

// CanHandle requires a root identifier, recorded block identifiers, and a
// provider gateway endpoint.
func (s *BlockFetchStrategy) CanHandle(deal *models.Deal, provider *models.Provider) bool {
	return deal.RootCID != nil && *deal.RootCID != "" &&
		len(deal.BlockCIDs) > 0 && provider.ServiceURL != ""
}

// ConstructTarget returns the root block URL; per-block URLs derive from it.
func (s *BlockFetchStrategy) ConstructTarget(deal *models.Deal, provider *models.Provider) (*Target, error) {
	if !s.CanHandle(deal, provider) {
		return nil, errors.NewBusinessError("STRATEGY_NOT_APPLICABLE",
			fmt.Sprintf("deal %s lacks block identifiers or provider %s lacks service URL", deal.ID, provider.Address))
	}
	return &Target{
		URL:     fmt.Sprintf("%s/ipfs/%s", strings.TrimRight(provider.ServiceURL, "/"), *deal.RootCID),
		Headers: map[string]string{"Accept": "application/vnd.ipld.raw"},
	}, nil
}

// Execute fetches each unique recorded block once and verifies its digest.
// Per-block failures are aggregated into the validation detail; cancellation
// mid-run is propagated so the caller can mark the batch aborted.
func (s *BlockFetchStrategy) Execute(ctx context.Context, deal *models.Deal, provider *models.Provider) (*Attempt, error) {
	target, err := s.ConstructTarget(deal, provider)
	if err != nil {
		return nil, err
	}

	attempt := &Attempt{
		Method:           s.Method(),
		URL:              target.URL,
		ValidationMethod: types.ValidationHashCheck,
		StartedAt:        time.Now(),
	}

	blockFetcher := adapter.NewGatewayBlockFetcher(provider.ServiceURL, s.fetcher)
	verifier := verify.NewVerifier(blockFetcher)

	result, err := verifier.VerifyBlocks(ctx, deal.BlockCIDs)
	attempt.CompletedAt = time.Now()
	if err != nil {
		return attempt, err
	}

	attempt.BytesRetrieved = result.BytesFetched
	latency := attempt.CompletedAt.Sub(attempt.StartedAt).Milliseconds()
	attempt.LatencyMs = &latency
	if latency > 0 {
		throughput := float64(result.BytesFetched) / (float64(latency) / 1000)
		attempt.ThroughputBps = &throughput
	}

	detail := result.Detail()
	attempt.ValidationDetails = &detail

	if result.Aborted {
		return attempt, errors.NewCancelledError("block verification aborted", ctx.Err())
	}
	if !result.Valid() {
		msg := "block verification failed: " + detail
		attempt.ErrorMessage = &msg
		return attempt, nil
	}

	attempt.Success = true
	return attempt, nil
}
