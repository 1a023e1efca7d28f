package service

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/dealwatch/internal/config"
	"github.com/dealwatch/internal/errors"
	"github.com/dealwatch/internal/logging"
	"github.com/dealwatch/internal/metrics"
	"github.com/dealwatch/internal/storage"
)

// RetrievalService verifies that a provider's most recent successful deal
// remains retrievable. Business-level pass/fail lands on the persisted
// attempts; only infrastructure problems and cancellation propagate as
// errors.
type RetrievalService struct {
	dealRepo     DealRepository
	providerRepo ProviderReader
	attemptRepo  AttemptWriter
	retriever    RetrievalTester
	sink         *metrics.Sink
	cfg          config.RetrievalConfig
	logger       *logging.Logger
}

// NewRetrievalService creates a retrieval service.
func NewRetrievalService(
	dealRepo DealRepository,
	providerRepo ProviderReader,
	attemptRepo AttemptWriter,
	retriever RetrievalTester,
	sink *metrics.Sink,
	cfg config.RetrievalConfig,
	logger *logging.Logger,
) (*RetrievalService, error) {
	if dealRepo == nil || providerRepo == nil || attemptRepo == nil {
		return nil, fmt.Errorf("retrieval service requires all repositories")
	}
	if retriever == nil {
		return nil, fmt.Errorf("retrieval service requires a retrieval tester")
	}
	return &RetrievalService{
		dealRepo:     dealRepo,
		providerRepo: providerRepo,
		attemptRepo:  attemptRepo,
		retriever:    retriever,
		sink:         sink,
		cfg:          cfg,
		logger:       logger,
	}, nil
}

// VerifyProvider runs every applicable retrieval strategy against the
// provider's latest created deal and persists the attempts. A provider with
// no created deal yet is not an error; there is simply nothing to verify.
func (s *RetrievalService) VerifyProvider(ctx context.Context, providerAddress string) error {
	provider, err := s.providerRepo.GetByAddress(ctx, providerAddress)
	if err != nil {
		return fmt.Errorf("failed to resolve provider %s: %w", providerAddress, err)
	}

	deal, err := s.dealRepo.GetLatestCreatedByProvider(ctx, provider.Address)
	if err != nil {
		if stderrors.Is(err, storage.ErrDealNotFound) {
			s.logger.WithField("provider", provider.Address).
				Debug("No created deal yet, skipping retrieval verification")
			return nil
		}
		return fmt.Errorf("failed to load latest deal for %s: %w", provider.Address, err)
	}

	result := s.retriever.TestAllRetrievalMethods(ctx, deal, provider)
	persistAttempts(ctx, s.attemptRepo, s.sink, s.logger, deal.ID, provider.Address, result.Attempts)

	if result.Aborted {
		return errors.NewCancelledError("retrieval verification aborted", ctx.Err())
	}

	failed := 0
	for _, a := range result.Attempts {
		if !a.Success {
			failed++
		}
	}
	s.logger.WithFields(map[string]interface{}{
		"provider": provider.Address,
		"deal_id":  deal.ID,
		"methods":  len(result.Attempts),
		"failed":   failed,
	}).Info("Retrieval verification finished")
	return nil
}
