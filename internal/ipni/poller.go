package ipni

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/dealwatch/internal/errors"
	"github.com/dealwatch/internal/logging"
	"github.com/dealwatch/internal/models"
	"github.com/dealwatch/internal/types"
)

// PollResult is the outcome of waiting for a root identifier to become
// discoverable through the index.
type PollResult struct {
	Status   types.DiscoverabilityStatus
	Duration time.Duration
	Attempts int
	// LastError holds the final lookup error when Status is failure.other.
	LastError error
}

// SharedBudget throttles index queries across worker replicas. The local
// limiter cannot see queries made by other processes; the budget can.
type SharedBudget interface {
	Wait(ctx context.Context, cost int) error
}

// Poller repeatedly queries the index until the target provider is listed
// for a root identifier, the deadline passes, or the context is cancelled.
type Poller struct {
	client       IndexClient
	pollInterval time.Duration
	timeout      time.Duration
	limiter      *rate.Limiter
	budget       SharedBudget
	logger       *logging.Logger
}

// PollerConfig holds the polling knobs.
type PollerConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
	MaxQPS       float64
	// Budget optionally bounds the query rate fleet-wide in addition to
	// the per-process MaxQPS limit.
	Budget SharedBudget
}

// NewPoller creates a discoverability poller. MaxQPS bounds the aggregate
// query rate against the index across all concurrent polls sharing this
// instance.
func NewPoller(client IndexClient, config PollerConfig, logger *logging.Logger) *Poller {
	qps := config.MaxQPS
	if qps <= 0 {
		qps = 1
	}
	return &Poller{
		client:       client,
		pollInterval: config.PollInterval,
		timeout:      config.Timeout,
		limiter:      rate.NewLimiter(rate.Limit(qps), 1),
		budget:       config.Budget,
		logger:       logger,
	}
}

// WaitDiscoverable polls until providerID appears among the providers the
// index lists for rootCID. The returned duration is wall-clock time from
// the first attempt, regardless of outcome.
//
// Timeout produces failure.timedout; a persistent lookup error at the
// deadline produces failure.other. Context cancellation is returned as an
// error so callers can distinguish shutdown from a verdict.
func (p *Poller) WaitDiscoverable(ctx context.Context, rootCID, providerID string) (*PollResult, error) {
	start := time.Now()
	deadline := start.Add(p.timeout)

	result := &PollResult{}

	for {
		if err := p.throttle(ctx); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		result.Attempts++
		providers, err := p.client.LookupProviders(ctx, rootCID)
		if err != nil {
			if errors.IsCancelled(err) {
				result.Duration = time.Since(start)
				return result, err
			}
			result.LastError = err
			p.logger.WithError(err).WithFields(map[string]interface{}{
				"root_cid": rootCID,
				"provider": providerID,
				"attempt":  result.Attempts,
			}).Debug("Index lookup failed, will retry")
		} else {
			result.LastError = nil
			if containsProvider(providers, providerID) {
				result.Status = types.DiscoverabilityVerified
				result.Duration = time.Since(start)
				return result, nil
			}
		}

		now := time.Now()
		if now.Add(p.pollInterval).After(deadline) {
			result.Duration = time.Since(start)
			if result.LastError != nil {
				result.Status = types.DiscoverabilityFailed
			} else {
				result.Status = types.DiscoverabilityTimedOut
			}
			return result, nil
		}

		select {
		case <-ctx.Done():
			result.Duration = time.Since(start)
			return result, errors.NewCancelledError("discoverability poll cancelled", ctx.Err())
		case <-time.After(p.pollInterval):
		}
	}
}

// VerifyDeal waits for the root identifier to be listed for the provider,
// then checks each block identifier against the index once. Block checks
// consume the same limiter and shared budget as the root poll. The gate
// verdict rides on the root; block counts qualify it.
func (p *Poller) VerifyDeal(ctx context.Context, rootCID string, blockCIDs []string, providerID string) (*models.DiscoverabilityResult, error) {
	start := time.Now()
	result := &models.DiscoverabilityResult{
		RootCID:   rootCID,
		BlockCIDs: blockCIDs,
	}

	root, err := p.WaitDiscoverable(ctx, rootCID, providerID)
	result.Status = root.Status
	result.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		return result, err
	}
	result.RootCIDVerified = root.Status == types.DiscoverabilityVerified

	if !result.RootCIDVerified {
		// With the root undiscoverable every block check would fail the
		// same way; report them unverified without burning index queries.
		result.UnverifiedCount = len(blockCIDs)
		return result, nil
	}

	for _, blockCID := range blockCIDs {
		if blockCID == rootCID {
			result.VerifiedCount++
			continue
		}
		if err := p.throttle(ctx); err != nil {
			result.DurationMs = time.Since(start).Milliseconds()
			return result, err
		}
		providers, err := p.client.LookupProviders(ctx, blockCID)
		if err != nil {
			if errors.IsCancelled(err) {
				result.DurationMs = time.Since(start).Milliseconds()
				return result, err
			}
			result.UnverifiedCount++
			result.FailedCIDs = append(result.FailedCIDs, models.FailedCID{CID: blockCID, Reason: err.Error()})
			continue
		}
		if containsProvider(providers, providerID) {
			result.VerifiedCount++
		} else {
			result.UnverifiedCount++
			result.FailedCIDs = append(result.FailedCIDs, models.FailedCID{CID: blockCID, Reason: "provider not listed"})
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

// throttle blocks on the per-process limiter and, when configured, the
// fleet-wide budget before an index query may go out.
func (p *Poller) throttle(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return errors.NewCancelledError("discoverability poll cancelled", err)
	}
	if p.budget != nil {
		if err := p.budget.Wait(ctx, 1); err != nil {
			return errors.NewCancelledError("discoverability poll cancelled", err)
		}
	}
	return nil
}

func containsProvider(providers []string, providerID string) bool {
	for _, id := range providers {
		if id == providerID {
			return true
		}
	}
	return false
}
