package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dealwatch/internal/errors"
	"github.com/dealwatch/internal/logging"
	"github.com/dealwatch/internal/models"
)

// BatchResult is the outcome of running all applicable strategies against
// one deal. Aborted means cancellation struck before every applicable
// strategy completed; Attempts holds whatever finished first.
type BatchResult struct {
	Attempts []*Attempt
	Aborted  bool
}

// AllSucceeded reports whether every completed attempt passed and none were
// skipped by cancellation.
func (r *BatchResult) AllSucceeded() bool {
	if r.Aborted || len(r.Attempts) == 0 {
		return false
	}
	for _, a := range r.Attempts {
		if !a.Success {
			return false
		}
	}
	return true
}

// Verifier holds the strategy registry and runs retrieval verification.
type Verifier struct {
	strategies []Strategy
	chunkSize  int
	logger     *logging.Logger
}

// NewVerifier creates a verifier over the given strategies. chunkSize bounds
// how many deals a batch run processes concurrently per wave.
func NewVerifier(strategies []Strategy, chunkSize int, logger *logging.Logger) (*Verifier, error) {
	if len(strategies) == 0 {
		return nil, fmt.Errorf("at least one retrieval strategy is required")
	}
	if chunkSize <= 0 {
		chunkSize = 1
	}
	ordered := make([]Strategy, len(strategies))
	copy(ordered, strategies)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() > ordered[j].Priority()
	})
	return &Verifier{
		strategies: ordered,
		chunkSize:  chunkSize,
		logger:     logger,
	}, nil
}

// ApplicableStrategies returns the strategies able to handle the deal, in
// descending priority order.
func (v *Verifier) ApplicableStrategies(deal *models.Deal, provider *models.Provider) []Strategy {
	var applicable []Strategy
	for _, s := range v.strategies {
		if s.CanHandle(deal, provider) {
			applicable = append(applicable, s)
		}
	}
	return applicable
}

// TestAllRetrievalMethods runs every applicable strategy against the deal.
// The cancellation signal is checked before each strategy; once it fires,
// remaining strategies are abandoned and the result carries what completed
// with Aborted set. A strategy failure is converted into a failed attempt
// entry rather than an error, so one misbehaving strategy cannot hide the
// outcomes of the others.
func (v *Verifier) TestAllRetrievalMethods(ctx context.Context, deal *models.Deal, provider *models.Provider) *BatchResult {
	result := &BatchResult{}

	for _, strategy := range v.ApplicableStrategies(deal, provider) {
		if ctx.Err() != nil {
			result.Aborted = true
			return result
		}

		attempt, err := strategy.Execute(ctx, deal, provider)
		if err != nil {
			if errors.IsCancelled(err) {
				if attempt != nil && !attempt.CompletedAt.IsZero() {
					result.Attempts = append(result.Attempts, attempt)
				}
				result.Aborted = true
				return result
			}
			attempt = failedAttempt(strategy, err)
			v.logger.WithError(err).WithFields(map[string]interface{}{
				"deal_id":  deal.ID,
				"provider": provider.Address,
				"method":   string(strategy.Method()),
			}).Warn("Retrieval strategy failed to execute")
		}
		result.Attempts = append(result.Attempts, attempt)
	}

	return result
}

// VerifyDeals runs TestAllRetrievalMethods for a set of deals in fixed-size
// chunks, awaiting each chunk's full completion before starting the next so
// cancellation never leaves orphaned in-flight work. Results are keyed by
// deal ID; deals skipped after cancellation are absent from the map.
func (v *Verifier) VerifyDeals(ctx context.Context, deals []*models.Deal, providers map[string]*models.Provider) (map[string]*BatchResult, bool) {
	results := make(map[string]*BatchResult, len(deals))
	var mu sync.Mutex

	for start := 0; start < len(deals); start += v.chunkSize {
		if ctx.Err() != nil {
			return results, true
		}

		end := start + v.chunkSize
		if end > len(deals) {
			end = len(deals)
		}

		var wg sync.WaitGroup
		for _, deal := range deals[start:end] {
			provider, ok := providers[deal.ProviderAddress]
			if !ok {
				v.logger.WithFields(map[string]interface{}{
					"deal_id":  deal.ID,
					"provider": deal.ProviderAddress,
				}).Warn("Skipping deal with unknown provider")
				continue
			}
			wg.Add(1)
			go func(deal *models.Deal, provider *models.Provider) {
				defer wg.Done()
				r := v.TestAllRetrievalMethods(ctx, deal, provider)
				mu.Lock()
				results[deal.ID] = r
				mu.Unlock()
			}(deal, provider)
		}
		wg.Wait()
	}

	return results, ctx.Err() != nil
}

func failedAttempt(strategy Strategy, err error) *Attempt {
	now := time.Now()
	msg := err.Error()
	return &Attempt{
		Method:       strategy.Method(),
		Success:      false,
		ErrorMessage: &msg,
		StartedAt:    now,
		CompletedAt:  now,
	}
}
