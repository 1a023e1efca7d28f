// Package service implements the business workflows: driving deals through
// their lifecycle, verifying retrievability, reconciling the provider set,
// and aggregating provider metrics.
package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dealwatch/internal/adapter"
	"github.com/dealwatch/internal/config"
	"github.com/dealwatch/internal/errors"
	"github.com/dealwatch/internal/logging"
	"github.com/dealwatch/internal/metrics"
	"github.com/dealwatch/internal/models"
	"github.com/dealwatch/internal/retrieval"
	"github.com/dealwatch/internal/types"
)

// DealRepository persists deals.
type DealRepository interface {
	Create(ctx context.Context, deal *models.Deal) error
	Update(ctx context.Context, deal *models.Deal) error
	GetByID(ctx context.Context, id string) (*models.Deal, error)
	GetLatestCreatedByProvider(ctx context.Context, provider string) (*models.Deal, error)
}

// ProviderReader reads the provider registry.
type ProviderReader interface {
	GetByAddress(ctx context.Context, address string) (*models.Provider, error)
	ListActive(ctx context.Context) ([]*models.Provider, error)
}

// AttemptWriter persists retrieval attempts.
type AttemptWriter interface {
	Create(ctx context.Context, attempt *models.RetrievalAttempt) error
}

// DiscoverabilityVerifier checks that a deal's identifiers are listed for
// the provider on the index.
type DiscoverabilityVerifier interface {
	VerifyDeal(ctx context.Context, rootCID string, blockCIDs []string, providerID string) (*models.DiscoverabilityResult, error)
}

// RetrievalTester runs all applicable retrieval strategies against a deal.
type RetrievalTester interface {
	TestAllRetrievalMethods(ctx context.Context, deal *models.Deal, provider *models.Provider) *retrieval.BatchResult
}

// DealService drives one provider's deal through its lifecycle stages,
// recording per-stage timestamps and derived latencies as chain callbacks
// fire. Any failure is persisted on the deal before the error propagates;
// retry policy belongs to the job executor, not here.
type DealService struct {
	dealRepo     DealRepository
	providerRepo ProviderReader
	attemptRepo  AttemptWriter
	chainClient  adapter.ChainStorageClient
	poller       DiscoverabilityVerifier
	retriever    RetrievalTester
	sink         *metrics.Sink
	cfg          config.DealConfig
	logger       *logging.Logger
}

// NewDealService creates a deal service.
func NewDealService(
	dealRepo DealRepository,
	providerRepo ProviderReader,
	attemptRepo AttemptWriter,
	chainClient adapter.ChainStorageClient,
	poller DiscoverabilityVerifier,
	retriever RetrievalTester,
	sink *metrics.Sink,
	cfg config.DealConfig,
	logger *logging.Logger,
) (*DealService, error) {
	if dealRepo == nil || providerRepo == nil || attemptRepo == nil {
		return nil, fmt.Errorf("deal service requires all repositories")
	}
	if chainClient == nil {
		return nil, fmt.Errorf("deal service requires a chain storage client")
	}
	if cfg.VerifyDiscoverability && poller == nil {
		return nil, fmt.Errorf("discoverability verification enabled but no poller configured")
	}
	if cfg.VerifyRetrieval && retriever == nil {
		return nil, fmt.Errorf("retrieval verification enabled but no retrieval tester configured")
	}
	return &DealService{
		dealRepo:     dealRepo,
		providerRepo: providerRepo,
		attemptRepo:  attemptRepo,
		chainClient:  chainClient,
		poller:       poller,
		retriever:    retriever,
		sink:         sink,
		cfg:          cfg,
		logger:       logger,
	}, nil
}

// CreateDeal runs one end-to-end storage test against the provider: upload a
// generated payload, follow the chain lifecycle callbacks, then apply the
// discoverability and retrieval gates before declaring the deal created.
func (s *DealService) CreateDeal(ctx context.Context, providerAddress string) (*models.Deal, error) {
	provider, err := s.providerRepo.GetByAddress(ctx, providerAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider %s: %w", providerAddress, err)
	}

	payload, err := GeneratePayload(s.cfg.PayloadSize, s.cfg.BlockSize)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	deal := &models.Deal{
		ID:              uuid.New().String(),
		ProviderAddress: provider.Address,
		WalletAddress:   s.cfg.WalletAddress,
		FileName:        payload.FileName,
		FileSize:        int64(len(payload.Data)),
		Status:          types.DealStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.dealRepo.Create(ctx, deal); err != nil {
		return nil, fmt.Errorf("failed to create deal record: %w", err)
	}

	log := s.logger.WithFields(map[string]interface{}{
		"deal_id":  deal.ID,
		"provider": provider.Address,
	})

	contextID, err := s.chainClient.CreateOrReuseContext(ctx, provider.Address, adapter.ContextMetadata{
		Label:         "dealwatch-" + provider.Address,
		WalletAddress: s.cfg.WalletAddress,
		WithIPNI:      s.cfg.VerifyDiscoverability,
	})
	if err != nil {
		return deal, s.failDeal(ctx, deal, fmt.Errorf("failed to create storage context: %w", err))
	}

	uploadStart := time.Now()
	deal.UploadStartTime = &uploadStart

	callbacks := adapter.UploadCallbacks{
		OnUploadComplete: func(pieceCID, rootCID string, blockCIDs []string) {
			s.onUploadComplete(ctx, deal, payload, pieceCID, rootCID, blockCIDs, log)
		},
		OnPieceAdded: func(transactionHash string) {
			s.onPieceAdded(ctx, deal, transactionHash, log)
		},
		OnPieceConfirmed: func(pieceID string) {
			confirmed := time.Now()
			deal.PieceID = &pieceID
			deal.PieceConfirmedTime = &confirmed
		},
	}

	if _, err := s.chainClient.Upload(ctx, contextID, payload.Data, callbacks); err != nil {
		return deal, s.failDeal(ctx, deal, fmt.Errorf("upload failed: %w", err))
	}

	var discoverabilityDone *time.Time
	if s.cfg.VerifyDiscoverability {
		doneAt, err := s.verifyDiscoverability(ctx, deal, provider, log)
		if err != nil {
			return deal, s.failDeal(ctx, deal, err)
		}
		discoverabilityDone = doneAt
	}

	if s.cfg.VerifyRetrieval {
		if err := s.verifyRetrievalGate(ctx, deal, provider, log); err != nil {
			return deal, s.failDeal(ctx, deal, err)
		}
	}

	if err := advanceStatus(deal, types.DealStatusDealCreated); err != nil {
		return deal, s.failDeal(ctx, deal, err)
	}
	if deal.UploadStartTime != nil && deal.PieceConfirmedTime != nil {
		latency := deal.PieceConfirmedTime.Sub(*deal.UploadStartTime).Milliseconds()
		deal.DealLatencyMs = &latency
	}
	if deal.UploadStartTime != nil && discoverabilityDone != nil {
		latency := discoverabilityDone.Sub(*deal.UploadStartTime).Milliseconds()
		deal.DealLatencyWithDiscoverabilityMs = &latency
	}
	deal.UpdatedAt = time.Now()
	if err := s.dealRepo.Update(ctx, deal); err != nil {
		return deal, fmt.Errorf("failed to persist created deal: %w", err)
	}

	if s.sink != nil {
		s.sink.RecordDealStage(provider.Address, types.DealStatusDealCreated)
		if deal.DealLatencyMs != nil {
			s.sink.RecordDealLatency(provider.Address, float64(*deal.DealLatencyMs)/1000)
		}
	}
	log.WithField("deal_latency_ms", deal.DealLatencyMs).Info("Deal created")
	return deal, nil
}

// CreateDealsForAllProviders runs CreateDeal for every active provider and
// collects only the successes. A per-provider failure is logged and excluded
// from the returned set; it never aborts the batch.
func (s *DealService) CreateDealsForAllProviders(ctx context.Context) ([]*models.Deal, error) {
	providers, err := s.providerRepo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active providers: %w", err)
	}

	var created []*models.Deal
	for _, provider := range providers {
		if err := ctx.Err(); err != nil {
			return created, errors.NewCancelledError("bulk deal creation cancelled", err)
		}
		deal, err := s.CreateDeal(ctx, provider.Address)
		if err != nil {
			// An invariant violation is a logic defect that would repeat
			// for every provider; stop the batch like a cancellation.
			if errors.IsCancelled(err) || errors.IsInvariant(err) {
				return created, err
			}
			s.logger.WithError(err).WithField("provider", provider.Address).
				Warn("Deal creation failed for provider")
			continue
		}
		created = append(created, deal)
	}
	return created, nil
}

// advanceStatus moves the deal forward in its lifecycle. A rejected
// transition is an orchestration defect, never retried.
func advanceStatus(deal *models.Deal, next types.DealStatus) error {
	if !deal.Status.CanAdvanceTo(next) {
		return errors.NewInvariantError(
			fmt.Sprintf("deal %s cannot advance from %s to %s", deal.ID, deal.Status, next))
	}
	deal.Status = next
	return nil
}

func (s *DealService) onUploadComplete(ctx context.Context, deal *models.Deal, payload *Payload, pieceCID, rootCID string, blockCIDs []string, log *logging.Logger) {
	// Chain callbacks arrive over the wire; a duplicate or out-of-order
	// progress report must not rewind the lifecycle.
	if !deal.Status.CanAdvanceTo(types.DealStatusUploaded) {
		log.WithField("status", string(deal.Status)).Warn("Ignoring out-of-order upload-complete callback")
		return
	}

	uploadEnd := time.Now()
	deal.UploadEndTime = &uploadEnd
	deal.PieceCID = &pieceCID

	// The chain service reports the identifiers it actually stored; the
	// locally computed ones are the fallback.
	if rootCID == "" {
		rootCID = payload.RootCID
	}
	if len(blockCIDs) == 0 {
		blockCIDs = payload.BlockCIDs
	}
	deal.RootCID = &rootCID
	deal.BlockCIDs = blockCIDs

	if deal.UploadStartTime != nil {
		latency := uploadEnd.Sub(*deal.UploadStartTime).Milliseconds()
		deal.IngestLatencyMs = &latency
		if latency > 0 {
			throughput := float64(deal.FileSize) / (float64(latency) / 1000)
			deal.IngestThroughputBps = &throughput
		}
	}

	deal.Status = types.DealStatusUploaded
	deal.UpdatedAt = time.Now()
	if err := s.dealRepo.Update(ctx, deal); err != nil {
		log.WithError(err).Warn("Failed to persist upload-complete progress")
	}
	if s.sink != nil {
		s.sink.RecordDealStage(deal.ProviderAddress, types.DealStatusUploaded)
	}
}

func (s *DealService) onPieceAdded(ctx context.Context, deal *models.Deal, transactionHash string, log *logging.Logger) {
	if !deal.Status.CanAdvanceTo(types.DealStatusPieceAdded) {
		log.WithField("status", string(deal.Status)).Warn("Ignoring out-of-order piece-added callback")
		return
	}

	added := time.Now()
	deal.PieceAddedTime = &added
	deal.TransactionHash = &transactionHash

	if deal.UploadEndTime != nil {
		latency := added.Sub(*deal.UploadEndTime).Milliseconds()
		deal.ChainLatencyMs = &latency
	}

	deal.Status = types.DealStatusPieceAdded
	deal.UpdatedAt = time.Now()
	if err := s.dealRepo.Update(ctx, deal); err != nil {
		log.WithError(err).Warn("Failed to persist piece-added progress")
	}
	if s.sink != nil {
		s.sink.RecordDealStage(deal.ProviderAddress, types.DealStatusPieceAdded)
	}
}

// verifyDiscoverability blocks on the index poller. A failure, including a
// timeout, fails the deal; it is a gate, not a warning. Returns the instant
// the gate completed so the caller can derive the discoverability-inclusive
// deal latency.
func (s *DealService) verifyDiscoverability(ctx context.Context, deal *models.Deal, provider *models.Provider, log *logging.Logger) (*time.Time, error) {
	if deal.RootCID == nil || *deal.RootCID == "" {
		return nil, errors.NewInvariantError(
			fmt.Sprintf("deal %s reached discoverability gate without a root identifier", deal.ID))
	}

	result, err := s.poller.VerifyDeal(ctx, *deal.RootCID, deal.BlockCIDs, provider.Address)
	if err != nil {
		return nil, err
	}

	if s.sink != nil {
		s.sink.RecordDiscoverability(provider.Address, result.Status, float64(result.DurationMs)/1000)
	}
	log.WithFields(map[string]interface{}{
		"status":            string(result.Status),
		"duration_ms":       result.DurationMs,
		"root_verified":     result.RootCIDVerified,
		"blocks_verified":   result.VerifiedCount,
		"blocks_unverified": result.UnverifiedCount,
	}).Info("Discoverability verification finished")

	if !result.RootCIDVerified {
		return nil, errors.NewBusinessErrorWithDetails("DISCOVERABILITY_FAILED",
			fmt.Sprintf("discoverability verification failed for root %s: %s after %dms",
				*deal.RootCID, result.Status, result.DurationMs),
			map[string]interface{}{
				"status":            string(result.Status),
				"timed_out":         result.TimedOut(),
				"blocks_unverified": result.UnverifiedCount,
			})
	}

	done := time.Now()
	return &done, nil
}

// verifyRetrievalGate runs every applicable retrieval strategy and requires
// all of them to pass before the deal may be declared created.
func (s *DealService) verifyRetrievalGate(ctx context.Context, deal *models.Deal, provider *models.Provider, log *logging.Logger) error {
	result := s.retriever.TestAllRetrievalMethods(ctx, deal, provider)
	persistAttempts(ctx, s.attemptRepo, s.sink, log, deal.ID, provider.Address, result.Attempts)

	if result.Aborted {
		return errors.NewCancelledError("retrieval gate aborted", ctx.Err())
	}
	if !result.AllSucceeded() {
		failed := 0
		for _, a := range result.Attempts {
			if !a.Success {
				failed++
			}
		}
		return errors.NewBusinessErrorWithDetails("RETRIEVAL_GATE_FAILED",
			fmt.Sprintf("retrieval gate failed: %d of %d methods failed", failed, len(result.Attempts)),
			map[string]interface{}{
				"failed_methods":    failed,
				"attempted_methods": len(result.Attempts),
			})
	}
	return nil
}

// persistAttempts records each strategy outcome. Persistence errors are
// logged, not propagated; losing an attempt row must not change the gate
// verdict.
func persistAttempts(ctx context.Context, attemptRepo AttemptWriter, sink *metrics.Sink, log *logging.Logger, dealID, providerAddress string, attempts []*retrieval.Attempt) {
	for _, a := range attempts {
		record := &models.RetrievalAttempt{
			ID:                uuid.New().String(),
			DealID:            dealID,
			Method:            a.Method,
			Success:           a.Success,
			URL:               a.URL,
			LatencyMs:         a.LatencyMs,
			TTFBMs:            a.TTFBMs,
			ThroughputBps:     a.ThroughputBps,
			ResponseCode:      a.ResponseCode,
			BytesRetrieved:    a.BytesRetrieved,
			ValidationMethod:  a.ValidationMethod,
			ValidationDetails: a.ValidationDetails,
			ErrorMessage:      a.ErrorMessage,
			StartedAt:         a.StartedAt,
			CompletedAt:       a.CompletedAt,
		}
		if err := attemptRepo.Create(ctx, record); err != nil {
			log.WithError(err).WithField("method", string(a.Method)).
				Warn("Failed to persist retrieval attempt")
		}
		if sink != nil {
			var latency, ttfb float64
			if a.LatencyMs != nil {
				latency = float64(*a.LatencyMs) / 1000
			}
			if a.TTFBMs != nil {
				ttfb = float64(*a.TTFBMs) / 1000
			}
			sink.RecordRetrieval(providerAddress, a.Method, a.Success, latency, ttfb)
		}
	}
}

// failDeal records the failure on the deal before returning the original
// error. The job executor owns retry policy; this layer only records state
// truthfully.
func (s *DealService) failDeal(ctx context.Context, deal *models.Deal, cause error) error {
	deal.Status = types.DealStatusFailed
	msg := cause.Error()
	deal.ErrorMessage = &msg
	if code := errorCode(cause); code != "" {
		deal.ErrorCode = &code
	}
	deal.UpdatedAt = time.Now()

	// Persist with a fresh context: the failure may be the job deadline
	// itself, and the record must survive it.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.dealRepo.Update(persistCtx, deal); err != nil {
		s.logger.WithError(err).WithField("deal_id", deal.ID).
			Error("Failed to persist deal failure")
	}
	if s.sink != nil {
		s.sink.RecordDealStage(deal.ProviderAddress, types.DealStatusFailed)
	}
	return cause
}

func errorCode(err error) string {
	var cerr *errors.CategorizedError
	if stderrors.As(err, &cerr) {
		return cerr.Code
	}
	return ""
}
