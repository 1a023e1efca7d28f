package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dealwatch/internal/config"
	"github.com/dealwatch/internal/storage"
	"github.com/dealwatch/internal/types"
)

type fakeDealCounter struct {
	created map[string]int64
	failed  map[string]int64
	deleted int64
}

func (f *fakeDealCounter) CountByStatusSince(ctx context.Context, status types.DealStatus, since time.Time) (map[string]int64, error) {
	if status == types.DealStatusDealCreated {
		return f.created, nil
	}
	return f.failed, nil
}

func (f *fakeDealCounter) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return f.deleted, nil
}

type fakeAttemptCounter struct {
	counts  map[string][2]int64
	deleted int64
}

func (f *fakeAttemptCounter) CountSince(ctx context.Context, since time.Time) (map[string][2]int64, error) {
	return f.counts, nil
}

func (f *fakeAttemptCounter) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return f.deleted, nil
}

type fakeWarehouse struct {
	mu      sync.Mutex
	batches [][]*storage.ProviderMetricsRow
	pruned  []time.Time
}

func (f *fakeWarehouse) InsertBatch(ctx context.Context, samples []*storage.ProviderMetricsRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, samples)
	return nil
}

func (f *fakeWarehouse) DeleteOlderThan(ctx context.Context, cutoff time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, cutoff)
	return nil
}

type fakeJobPruner struct{ deleted int64 }

func (f *fakeJobPruner) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return f.deleted, nil
}

func newTestMetricsService(t *testing.T, deals *fakeDealCounter, attempts *fakeAttemptCounter, warehouse *fakeWarehouse) *MetricsService {
	t.Helper()
	svc, err := NewMetricsService(deals, attempts, warehouse, &fakeJobPruner{}, time.Hour,
		config.MetricsConfig{RetentionDays: 30}, testLogger())
	if err != nil {
		t.Fatalf("NewMetricsService: %v", err)
	}
	return svc
}

func findRow(t *testing.T, rows []*storage.ProviderMetricsRow, provider string) *storage.ProviderMetricsRow {
	t.Helper()
	for _, r := range rows {
		if r.ProviderAddress == provider {
			return r
		}
	}
	t.Fatalf("no row for provider %s", provider)
	return nil
}

func TestMetricsRefreshWritesRows(t *testing.T) {
	deals := &fakeDealCounter{
		created: map[string]int64{"0xa": 5, "0xb": 2},
		failed:  map[string]int64{"0xa": 1},
	}
	attempts := &fakeAttemptCounter{counts: map[string][2]int64{"0xa": {8, 10}}}
	warehouse := &fakeWarehouse{}
	svc := newTestMetricsService(t, deals, attempts, warehouse)

	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(warehouse.batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(warehouse.batches))
	}
	rows := warehouse.batches[0]
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	rowA := findRow(t, rows, "0xa")
	if rowA.DealsCreated != 5 || rowA.DealsFailed != 1 {
		t.Errorf("row 0xa counts = %d/%d, want 5/1", rowA.DealsCreated, rowA.DealsFailed)
	}
	if rowA.RetrievalSuccess != 8 || rowA.RetrievalAttempts != 10 {
		t.Errorf("row 0xa retrievals = %d/%d, want 8/10", rowA.RetrievalSuccess, rowA.RetrievalAttempts)
	}
	// First run: baseline was empty, so the delta is the full total.
	if rowA.DealSuccessDelta != 5 || rowA.DealFaultDelta != 1 {
		t.Errorf("row 0xa deltas = %d/%d, want 5/1", rowA.DealSuccessDelta, rowA.DealFaultDelta)
	}
}

func TestMetricsBaselineDeltas(t *testing.T) {
	deals := &fakeDealCounter{
		created: map[string]int64{"0xa": 5},
		failed:  map[string]int64{},
	}
	attempts := &fakeAttemptCounter{counts: map[string][2]int64{}}
	warehouse := &fakeWarehouse{}
	svc := newTestMetricsService(t, deals, attempts, warehouse)

	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}

	deals.created = map[string]int64{"0xa": 8}
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}

	rows := warehouse.batches[1]
	row := findRow(t, rows, "0xa")
	if row.DealSuccessDelta != 3 {
		t.Errorf("delta = %d, want 3", row.DealSuccessDelta)
	}
}

func TestMetricsBaselineResetOnNegativeDelta(t *testing.T) {
	deals := &fakeDealCounter{
		created: map[string]int64{"0xa": 10},
		failed:  map[string]int64{},
	}
	attempts := &fakeAttemptCounter{counts: map[string][2]int64{}}
	warehouse := &fakeWarehouse{}
	svc := newTestMetricsService(t, deals, attempts, warehouse)

	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}

	// Counter reset upstream: total dropped below the baseline.
	deals.created = map[string]int64{"0xa": 4}
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}

	row := findRow(t, warehouse.batches[1], "0xa")
	if row.DealSuccessDelta != 4 {
		t.Errorf("delta after reset = %d, want the full current total 4", row.DealSuccessDelta)
	}
}

func TestMetricsBaselinePrunedOnRemoval(t *testing.T) {
	deals := &fakeDealCounter{
		created: map[string]int64{"0xgone": 3},
		failed:  map[string]int64{},
	}
	attempts := &fakeAttemptCounter{counts: map[string][2]int64{}}
	warehouse := &fakeWarehouse{}
	svc := newTestMetricsService(t, deals, attempts, warehouse)

	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}
	if _, ok := svc.baselines["0xgone"]; !ok {
		t.Fatal("baseline should exist after first refresh")
	}

	deals.created = map[string]int64{}
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if _, ok := svc.baselines["0xgone"]; ok {
		t.Error("baseline for a removed provider should be pruned")
	}
}

func TestMetricsCleanup(t *testing.T) {
	deals := &fakeDealCounter{deleted: 7}
	attempts := &fakeAttemptCounter{deleted: 11}
	warehouse := &fakeWarehouse{}
	svc := newTestMetricsService(t, deals, attempts, warehouse)

	if err := svc.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(warehouse.pruned) != 1 {
		t.Fatalf("warehouse prune calls = %d, want 1", len(warehouse.pruned))
	}
	wantCutoff := time.Now().AddDate(0, 0, -30)
	if diff := warehouse.pruned[0].Sub(wantCutoff); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff %v not near %v", warehouse.pruned[0], wantCutoff)
	}
}
