package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dealwatch/internal/adapter"
	"github.com/dealwatch/internal/config"
	"github.com/dealwatch/internal/errors"
	"github.com/dealwatch/internal/logging"
	"github.com/dealwatch/internal/models"
	"github.com/dealwatch/internal/retrieval"
	"github.com/dealwatch/internal/storage"
	"github.com/dealwatch/internal/types"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.LevelError, logging.FormatText)
}

type fakeDealRepo struct {
	mu    sync.Mutex
	deals map[string]*models.Deal
}

func newFakeDealRepo() *fakeDealRepo {
	return &fakeDealRepo{deals: make(map[string]*models.Deal)}
}

func (r *fakeDealRepo) Create(ctx context.Context, deal *models.Deal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *deal
	r.deals[deal.ID] = &copied
	return nil
}

func (r *fakeDealRepo) Update(ctx context.Context, deal *models.Deal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deals[deal.ID]; !ok {
		return storage.ErrDealNotFound
	}
	copied := *deal
	r.deals[deal.ID] = &copied
	return nil
}

func (r *fakeDealRepo) GetByID(ctx context.Context, id string) (*models.Deal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deal, ok := r.deals[id]
	if !ok {
		return nil, storage.ErrDealNotFound
	}
	copied := *deal
	return &copied, nil
}

func (r *fakeDealRepo) GetLatestCreatedByProvider(ctx context.Context, provider string) (*models.Deal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.Deal
	for _, deal := range r.deals {
		if deal.ProviderAddress != provider || deal.Status != types.DealStatusDealCreated {
			continue
		}
		if latest == nil || deal.CreatedAt.After(latest.CreatedAt) {
			latest = deal
		}
	}
	if latest == nil {
		return nil, storage.ErrDealNotFound
	}
	copied := *latest
	return &copied, nil
}

func (r *fakeDealRepo) persisted(id string) *models.Deal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deals[id]
}

type fakeProviderRepo struct {
	providers map[string]*models.Provider
}

func (r *fakeProviderRepo) GetByAddress(ctx context.Context, address string) (*models.Provider, error) {
	p, ok := r.providers[address]
	if !ok {
		return nil, storage.ErrProviderNotFound
	}
	return p, nil
}

func (r *fakeProviderRepo) ListActive(ctx context.Context) ([]*models.Provider, error) {
	var out []*models.Provider
	for _, p := range r.providers {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeAttemptRepo struct {
	mu       sync.Mutex
	attempts []*models.RetrievalAttempt
}

func (r *fakeAttemptRepo) Create(ctx context.Context, attempt *models.RetrievalAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempt)
	return nil
}

// fakeChainClient simulates a healthy chain service: the upload succeeds and
// fires all three lifecycle callbacks in order.
type fakeChainClient struct {
	rootCID   string
	blockCIDs []string
	uploadErr error
}

func (c *fakeChainClient) CreateOrReuseContext(ctx context.Context, provider string, metadata adapter.ContextMetadata) (string, error) {
	return "ctx-" + provider, nil
}

func (c *fakeChainClient) Upload(ctx context.Context, contextID string, payload []byte, callbacks adapter.UploadCallbacks) (*adapter.UploadResult, error) {
	if c.uploadErr != nil {
		return nil, c.uploadErr
	}
	if callbacks.OnUploadComplete != nil {
		callbacks.OnUploadComplete("bagapiece", c.rootCID, c.blockCIDs)
	}
	if callbacks.OnPieceAdded != nil {
		callbacks.OnPieceAdded("0xtxhash")
	}
	if callbacks.OnPieceConfirmed != nil {
		callbacks.OnPieceConfirmed("piece-1")
	}
	return &adapter.UploadResult{
		PieceCID:        "bagapiece",
		PieceID:         "piece-1",
		RootCID:         c.rootCID,
		BlockCIDs:       c.blockCIDs,
		TransactionHash: "0xtxhash",
	}, nil
}

type fakePoller struct {
	status           types.DiscoverabilityStatus
	unverifiedBlocks int
	err              error
}

func (p *fakePoller) VerifyDeal(ctx context.Context, rootCID string, blockCIDs []string, providerID string) (*models.DiscoverabilityResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	result := &models.DiscoverabilityResult{
		RootCID:         rootCID,
		BlockCIDs:       blockCIDs,
		Status:          p.status,
		RootCIDVerified: p.status == types.DiscoverabilityVerified,
		DurationMs:      10,
	}
	if !result.RootCIDVerified {
		result.UnverifiedCount = len(blockCIDs)
		return result, nil
	}
	result.UnverifiedCount = p.unverifiedBlocks
	result.VerifiedCount = len(blockCIDs) - p.unverifiedBlocks
	return result, nil
}

type fakeRetriever struct {
	result *retrieval.BatchResult
}

func (r *fakeRetriever) TestAllRetrievalMethods(ctx context.Context, deal *models.Deal, provider *models.Provider) *retrieval.BatchResult {
	return r.result
}

func successAttempt(method types.RetrievalMethod) *retrieval.Attempt {
	now := time.Now()
	return &retrieval.Attempt{
		Method:      method,
		Success:     true,
		StartedAt:   now,
		CompletedAt: now,
	}
}

func failedRetrievalAttempt(method types.RetrievalMethod) *retrieval.Attempt {
	now := time.Now()
	msg := "size mismatch"
	return &retrieval.Attempt{
		Method:       method,
		Success:      false,
		ErrorMessage: &msg,
		StartedAt:    now,
		CompletedAt:  now,
	}
}

func newTestDealService(t *testing.T, dealRepo *fakeDealRepo, attemptRepo *fakeAttemptRepo, chain adapter.ChainStorageClient, poller DiscoverabilityVerifier, retriever RetrievalTester, cfg config.DealConfig) *DealService {
	t.Helper()
	providerRepo := &fakeProviderRepo{providers: map[string]*models.Provider{
		"0xprov": {Address: "0xprov", Name: "prov", ServiceURL: "http://prov.example", Active: true},
	}}
	svc, err := NewDealService(dealRepo, providerRepo, attemptRepo, chain, poller, retriever, nil, cfg, testLogger())
	if err != nil {
		t.Fatalf("NewDealService: %v", err)
	}
	return svc
}

func baseDealConfig() config.DealConfig {
	return config.DealConfig{
		PayloadSize:           1024,
		BlockSize:             256,
		WalletAddress:         "0xwallet",
		VerifyDiscoverability: true,
		VerifyRetrieval:       true,
	}
}

func TestCreateDealFullSuccess(t *testing.T) {
	dealRepo := newFakeDealRepo()
	attemptRepo := &fakeAttemptRepo{}
	chain := &fakeChainClient{rootCID: "bafyroot", blockCIDs: []string{"bafyroot", "bafyleaf"}}
	poller := &fakePoller{status: types.DiscoverabilityVerified}
	retriever := &fakeRetriever{result: &retrieval.BatchResult{
		Attempts: []*retrieval.Attempt{successAttempt(types.MethodDirect), successAttempt(types.MethodBlockFetch)},
	}}

	svc := newTestDealService(t, dealRepo, attemptRepo, chain, poller, retriever, baseDealConfig())

	deal, err := svc.CreateDeal(context.Background(), "0xprov")
	if err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}

	if deal.Status != types.DealStatusDealCreated {
		t.Errorf("status = %s, want %s", deal.Status, types.DealStatusDealCreated)
	}
	if deal.PieceCID == nil || *deal.PieceCID != "bagapiece" {
		t.Error("deal should record the piece identifier")
	}
	if deal.RootCID == nil || *deal.RootCID != "bafyroot" {
		t.Error("deal should record the root identifier from the upload")
	}
	if deal.DealLatencyMs == nil {
		t.Fatal("deal latency should be set")
	}
	if deal.IngestLatencyMs == nil {
		t.Fatal("ingest latency should be set")
	}
	if *deal.DealLatencyMs < *deal.IngestLatencyMs {
		t.Errorf("deal latency %d must not be below ingest latency %d", *deal.DealLatencyMs, *deal.IngestLatencyMs)
	}
	if deal.DealLatencyWithDiscoverabilityMs == nil {
		t.Error("discoverability-inclusive latency should be set when the gate ran")
	}

	// Timestamps must be non-decreasing in stage order.
	stamps := []*time.Time{deal.UploadStartTime, deal.UploadEndTime, deal.PieceAddedTime, deal.PieceConfirmedTime}
	for i := 1; i < len(stamps); i++ {
		if stamps[i-1] == nil || stamps[i] == nil {
			t.Fatalf("stage timestamp %d missing", i)
		}
		if stamps[i].Before(*stamps[i-1]) {
			t.Errorf("stage timestamp %d precedes stage %d", i, i-1)
		}
	}

	persisted := dealRepo.persisted(deal.ID)
	if persisted == nil || persisted.Status != types.DealStatusDealCreated {
		t.Error("final deal state should be persisted")
	}
	if len(attemptRepo.attempts) != 2 {
		t.Errorf("persisted %d attempts, want 2", len(attemptRepo.attempts))
	}
}

func TestCreateDealDiscoverabilityTimeoutFailsDeal(t *testing.T) {
	dealRepo := newFakeDealRepo()
	chain := &fakeChainClient{rootCID: "bafyroot", blockCIDs: []string{"bafyroot"}}
	poller := &fakePoller{status: types.DiscoverabilityTimedOut}
	retriever := &fakeRetriever{result: &retrieval.BatchResult{
		Attempts: []*retrieval.Attempt{successAttempt(types.MethodDirect)},
	}}

	svc := newTestDealService(t, dealRepo, &fakeAttemptRepo{}, chain, poller, retriever, baseDealConfig())

	deal, err := svc.CreateDeal(context.Background(), "0xprov")
	if err == nil {
		t.Fatal("expected error when discoverability times out")
	}
	if !errors.IsBusiness(err) {
		t.Errorf("discoverability timeout should be a business failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "discoverability verification failed") {
		t.Errorf("error %q should describe the discoverability failure", err)
	}

	persisted := dealRepo.persisted(deal.ID)
	if persisted == nil || persisted.Status != types.DealStatusFailed {
		t.Error("failed deal should be persisted before the error propagates")
	}
	if persisted.ErrorMessage == nil {
		t.Error("failed deal should carry the error message")
	}
}

func TestCreateDealPassesWithUnverifiedBlocks(t *testing.T) {
	// The discoverability gate rides on the root identifier; blocks the
	// index has not absorbed yet qualify the result without failing it.
	dealRepo := newFakeDealRepo()
	chain := &fakeChainClient{rootCID: "bafyroot", blockCIDs: []string{"bafyroot", "bafyleaf"}}
	poller := &fakePoller{status: types.DiscoverabilityVerified, unverifiedBlocks: 1}
	retriever := &fakeRetriever{result: &retrieval.BatchResult{
		Attempts: []*retrieval.Attempt{successAttempt(types.MethodDirect)},
	}}

	svc := newTestDealService(t, dealRepo, &fakeAttemptRepo{}, chain, poller, retriever, baseDealConfig())

	deal, err := svc.CreateDeal(context.Background(), "0xprov")
	if err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}
	if deal.Status != types.DealStatusDealCreated {
		t.Errorf("status = %s, want %s", deal.Status, types.DealStatusDealCreated)
	}
}

func TestCreateDealIgnoresOutOfOrderCallbacks(t *testing.T) {
	dealRepo := newFakeDealRepo()
	chain := &reorderedChainClient{}
	cfg := baseDealConfig()
	cfg.VerifyDiscoverability = false
	cfg.VerifyRetrieval = false
	svc := newTestDealService(t, dealRepo, &fakeAttemptRepo{}, chain, nil, nil, cfg)

	deal, err := svc.CreateDeal(context.Background(), "0xprov")
	if err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}
	if deal.Status != types.DealStatusDealCreated {
		t.Errorf("status = %s, want %s", deal.Status, types.DealStatusDealCreated)
	}
	// The upload-complete report arrived after piece-added and must not
	// have rewound the lifecycle or overwritten later-stage state.
	if deal.UploadEndTime != nil {
		t.Error("late upload-complete callback should be ignored")
	}
	if deal.PieceAddedTime == nil {
		t.Error("piece-added progress should be recorded")
	}
}

func TestCreateDealsForAllProvidersStopsOnInvariant(t *testing.T) {
	dealRepo := newFakeDealRepo()
	providerRepo := &fakeProviderRepo{providers: map[string]*models.Provider{
		"0xone": {Address: "0xone", ServiceURL: "http://one", Active: true},
		"0xtwo": {Address: "0xtwo", ServiceURL: "http://two", Active: true},
	}}

	// Uploads succeed without firing any callback, so every deal reaches
	// the discoverability gate with no root identifier.
	chain := &silentChainClient{}
	poller := &fakePoller{status: types.DiscoverabilityVerified}
	cfg := baseDealConfig()
	cfg.VerifyRetrieval = false

	svc, err := NewDealService(dealRepo, providerRepo, &fakeAttemptRepo{}, chain, poller, nil, nil, cfg, testLogger())
	if err != nil {
		t.Fatalf("NewDealService: %v", err)
	}

	deals, err := svc.CreateDealsForAllProviders(context.Background())
	if err == nil {
		t.Fatal("expected the batch to stop on an invariant violation")
	}
	if !errors.IsInvariant(err) {
		t.Errorf("expected invariant error, got %v", err)
	}
	if len(deals) != 0 {
		t.Errorf("collected %d deals, want 0", len(deals))
	}
}

// reorderedChainClient reports piece-added before upload-complete.
type reorderedChainClient struct{}

func (c *reorderedChainClient) CreateOrReuseContext(ctx context.Context, provider string, metadata adapter.ContextMetadata) (string, error) {
	return "ctx-" + provider, nil
}

func (c *reorderedChainClient) Upload(ctx context.Context, contextID string, payload []byte, callbacks adapter.UploadCallbacks) (*adapter.UploadResult, error) {
	if callbacks.OnPieceAdded != nil {
		callbacks.OnPieceAdded("0xtx")
	}
	if callbacks.OnUploadComplete != nil {
		callbacks.OnUploadComplete("bagapiece", "bafyroot", []string{"bafyroot"})
	}
	if callbacks.OnPieceConfirmed != nil {
		callbacks.OnPieceConfirmed("piece-1")
	}
	return &adapter.UploadResult{PieceCID: "bagapiece"}, nil
}

// silentChainClient succeeds without firing any lifecycle callback.
type silentChainClient struct{}

func (c *silentChainClient) CreateOrReuseContext(ctx context.Context, provider string, metadata adapter.ContextMetadata) (string, error) {
	return "ctx-" + provider, nil
}

func (c *silentChainClient) Upload(ctx context.Context, contextID string, payload []byte, callbacks adapter.UploadCallbacks) (*adapter.UploadResult, error) {
	return &adapter.UploadResult{PieceCID: "bagapiece"}, nil
}

func TestCreateDealRetrievalGateFailure(t *testing.T) {
	dealRepo := newFakeDealRepo()
	chain := &fakeChainClient{rootCID: "bafyroot", blockCIDs: []string{"bafyroot"}}
	poller := &fakePoller{status: types.DiscoverabilityVerified}
	retriever := &fakeRetriever{result: &retrieval.BatchResult{
		Attempts: []*retrieval.Attempt{
			successAttempt(types.MethodDirect),
			failedRetrievalAttempt(types.MethodBlockFetch),
		},
	}}

	svc := newTestDealService(t, dealRepo, &fakeAttemptRepo{}, chain, poller, retriever, baseDealConfig())

	deal, err := svc.CreateDeal(context.Background(), "0xprov")
	if err == nil {
		t.Fatal("expected error when one retrieval method fails")
	}
	if !strings.Contains(err.Error(), "retrieval gate failed") {
		t.Errorf("error %q should mention the retrieval gate", err)
	}

	persisted := dealRepo.persisted(deal.ID)
	if persisted.Status != types.DealStatusFailed {
		t.Errorf("status = %s, want %s", persisted.Status, types.DealStatusFailed)
	}
	if persisted.DealLatencyMs != nil {
		t.Error("no deal latency should be recorded after a failed gate")
	}
}

func TestCreateDealUploadFailurePersisted(t *testing.T) {
	dealRepo := newFakeDealRepo()
	chain := &fakeChainClient{uploadErr: fmt.Errorf("provider rejected upload")}

	cfg := baseDealConfig()
	cfg.VerifyDiscoverability = false
	cfg.VerifyRetrieval = false
	svc := newTestDealService(t, dealRepo, &fakeAttemptRepo{}, chain, nil, nil, cfg)

	deal, err := svc.CreateDeal(context.Background(), "0xprov")
	if err == nil {
		t.Fatal("expected upload error")
	}
	persisted := dealRepo.persisted(deal.ID)
	if persisted.Status != types.DealStatusFailed {
		t.Errorf("status = %s, want %s", persisted.Status, types.DealStatusFailed)
	}
	if persisted.ErrorMessage == nil || !strings.Contains(*persisted.ErrorMessage, "provider rejected upload") {
		t.Error("persisted deal should carry the upload error")
	}
}

func TestCreateDealsForAllProvidersCollectsOnlySuccesses(t *testing.T) {
	dealRepo := newFakeDealRepo()
	providerRepo := &fakeProviderRepo{providers: map[string]*models.Provider{
		"0xgood": {Address: "0xgood", ServiceURL: "http://good", Active: true},
		"0xbad":  {Address: "0xbad", ServiceURL: "http://bad", Active: true},
	}}

	chain := &selectiveChainClient{failFor: "0xbad"}
	cfg := baseDealConfig()
	cfg.VerifyDiscoverability = false
	cfg.VerifyRetrieval = false

	svc, err := NewDealService(dealRepo, providerRepo, &fakeAttemptRepo{}, chain, nil, nil, nil, cfg, testLogger())
	if err != nil {
		t.Fatalf("NewDealService: %v", err)
	}

	deals, err := svc.CreateDealsForAllProviders(context.Background())
	if err != nil {
		t.Fatalf("CreateDealsForAllProviders: %v", err)
	}
	if len(deals) != 1 {
		t.Fatalf("got %d deals, want 1: failures must be excluded, not fatal", len(deals))
	}
	if deals[0].ProviderAddress != "0xgood" {
		t.Errorf("collected deal belongs to %s, want 0xgood", deals[0].ProviderAddress)
	}
}

// selectiveChainClient fails uploads for one provider's context.
type selectiveChainClient struct {
	failFor string
}

func (c *selectiveChainClient) CreateOrReuseContext(ctx context.Context, provider string, metadata adapter.ContextMetadata) (string, error) {
	return "ctx-" + provider, nil
}

func (c *selectiveChainClient) Upload(ctx context.Context, contextID string, payload []byte, callbacks adapter.UploadCallbacks) (*adapter.UploadResult, error) {
	if contextID == "ctx-"+c.failFor {
		return nil, fmt.Errorf("upload refused")
	}
	if callbacks.OnUploadComplete != nil {
		callbacks.OnUploadComplete("bagapiece", "bafyroot", []string{"bafyroot"})
	}
	if callbacks.OnPieceAdded != nil {
		callbacks.OnPieceAdded("0xtx")
	}
	if callbacks.OnPieceConfirmed != nil {
		callbacks.OnPieceConfirmed("piece-1")
	}
	return &adapter.UploadResult{PieceCID: "bagapiece"}, nil
}

func TestGeneratePayloadChunking(t *testing.T) {
	payload, err := GeneratePayload(1000, 256)
	if err != nil {
		t.Fatalf("GeneratePayload: %v", err)
	}
	if int64(len(payload.Data)) != 1000 {
		t.Errorf("payload size = %d, want 1000", len(payload.Data))
	}
	if len(payload.BlockCIDs) != 4 {
		t.Errorf("got %d block identifiers, want 4", len(payload.BlockCIDs))
	}
	if payload.RootCID != payload.BlockCIDs[0] {
		t.Error("root identifier should be the first block's")
	}
	seen := make(map[string]struct{})
	for _, c := range payload.BlockCIDs {
		if c == "" {
			t.Fatal("empty block identifier")
		}
		seen[c] = struct{}{}
	}
	if len(seen) != 4 {
		t.Error("random chunks should produce distinct identifiers")
	}
}
