package ipni

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dealwatch/internal/errors"
	"github.com/dealwatch/internal/logging"
	"github.com/dealwatch/internal/types"
)

type fakeIndexClient struct {
	responses [][]string
	errs      []error
	calls     int
}

func (f *fakeIndexClient) LookupProviders(ctx context.Context, rootCID string) ([]string, error) {
	i := f.calls
	f.calls++
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	if f.errs != nil && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.responses[i], nil
}

func newTestPoller(client IndexClient, interval, timeout time.Duration) *Poller {
	return NewPoller(client, PollerConfig{
		PollInterval: interval,
		Timeout:      timeout,
		MaxQPS:       1000,
	}, logging.NewLogger(logging.LevelError, logging.FormatText))
}

func TestWaitDiscoverableVerified(t *testing.T) {
	client := &fakeIndexClient{
		responses: [][]string{
			nil,
			{"other-provider"},
			{"other-provider", "target-provider"},
		},
	}
	poller := newTestPoller(client, time.Millisecond, time.Second)

	result, err := poller.WaitDiscoverable(context.Background(), "bafyroot", "target-provider")
	if err != nil {
		t.Fatalf("WaitDiscoverable returned error: %v", err)
	}
	if result.Status != types.DiscoverabilityVerified {
		t.Errorf("status = %s, want %s", result.Status, types.DiscoverabilityVerified)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
	if result.Duration <= 0 {
		t.Error("duration should be positive")
	}
}

func TestWaitDiscoverableTimedOut(t *testing.T) {
	client := &fakeIndexClient{responses: [][]string{{"other-provider"}}}
	poller := newTestPoller(client, 5*time.Millisecond, 25*time.Millisecond)

	result, err := poller.WaitDiscoverable(context.Background(), "bafyroot", "target-provider")
	if err != nil {
		t.Fatalf("WaitDiscoverable returned error: %v", err)
	}
	if result.Status != types.DiscoverabilityTimedOut {
		t.Errorf("status = %s, want %s", result.Status, types.DiscoverabilityTimedOut)
	}
}

func TestWaitDiscoverablePersistentErrorIsFailureOther(t *testing.T) {
	lookupErr := errors.NewTransientError("INDEX_UNREACHABLE", "connection refused", nil)
	client := &fakeIndexClient{
		responses: [][]string{nil},
		errs:      []error{lookupErr},
	}
	poller := newTestPoller(client, 5*time.Millisecond, 25*time.Millisecond)

	result, err := poller.WaitDiscoverable(context.Background(), "bafyroot", "target-provider")
	if err != nil {
		t.Fatalf("WaitDiscoverable returned error: %v", err)
	}
	if result.Status != types.DiscoverabilityFailed {
		t.Errorf("status = %s, want %s", result.Status, types.DiscoverabilityFailed)
	}
	if result.LastError == nil {
		t.Error("LastError should carry the final lookup error")
	}
}

func TestWaitDiscoverableCancelled(t *testing.T) {
	client := &fakeIndexClient{responses: [][]string{nil}}
	poller := newTestPoller(client, 10*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	_, err := poller.WaitDiscoverable(ctx, "bafyroot", "target-provider")
	if err == nil {
		t.Fatal("expected error on cancellation")
	}
	if !errors.IsCancelled(err) {
		t.Errorf("expected cancelled error, got %v", err)
	}
}

func TestVerifyDealCountsBlocks(t *testing.T) {
	client := &fakeIndexClient{
		responses: [][]string{
			{"target-provider"}, // root
			{"target-provider"}, // bafyb1
			{"other-provider"},  // bafyb2
		},
	}
	poller := newTestPoller(client, time.Millisecond, time.Second)

	result, err := poller.VerifyDeal(context.Background(), "bafyroot", []string{"bafyroot", "bafyb1", "bafyb2"}, "target-provider")
	if err != nil {
		t.Fatalf("VerifyDeal returned error: %v", err)
	}
	if !result.RootCIDVerified {
		t.Error("root should be verified")
	}
	if result.Status != types.DiscoverabilityVerified {
		t.Errorf("status = %s, want %s", result.Status, types.DiscoverabilityVerified)
	}
	// The root block rides on the root poll; only the two leaves cost a
	// lookup each.
	if client.calls != 3 {
		t.Errorf("index lookups = %d, want 3", client.calls)
	}
	if result.VerifiedCount != 2 {
		t.Errorf("verified = %d, want 2", result.VerifiedCount)
	}
	if result.UnverifiedCount != 1 {
		t.Errorf("unverified = %d, want 1", result.UnverifiedCount)
	}
	if len(result.FailedCIDs) != 1 || result.FailedCIDs[0].CID != "bafyb2" {
		t.Fatalf("failed cids = %+v, want bafyb2 only", result.FailedCIDs)
	}
	if result.FailedCIDs[0].Reason != "provider not listed" {
		t.Errorf("reason = %q, want provider not listed", result.FailedCIDs[0].Reason)
	}
}

func TestVerifyDealUndiscoverableRootSkipsBlockChecks(t *testing.T) {
	client := &fakeIndexClient{responses: [][]string{{"other-provider"}}}
	poller := newTestPoller(client, 5*time.Millisecond, 25*time.Millisecond)

	result, err := poller.VerifyDeal(context.Background(), "bafyroot", []string{"bafyroot", "bafyb1"}, "target-provider")
	if err != nil {
		t.Fatalf("VerifyDeal returned error: %v", err)
	}
	if result.RootCIDVerified {
		t.Error("root should not be verified")
	}
	if result.Status != types.DiscoverabilityTimedOut {
		t.Errorf("status = %s, want %s", result.Status, types.DiscoverabilityTimedOut)
	}
	if result.VerifiedCount != 0 || result.UnverifiedCount != 2 {
		t.Errorf("counts = %d/%d, want 0 verified and 2 unverified", result.VerifiedCount, result.UnverifiedCount)
	}
	if len(result.FailedCIDs) != 0 {
		t.Errorf("no per-block reasons expected without a discoverable root, got %+v", result.FailedCIDs)
	}
}

func TestVerifyDealRecordsBlockLookupErrors(t *testing.T) {
	lookupErr := errors.NewTransientError("INDEX_UNREACHABLE", "connection refused", nil)
	client := &fakeIndexClient{
		responses: [][]string{{"target-provider"}, nil},
		errs:      []error{nil, lookupErr},
	}
	poller := newTestPoller(client, time.Millisecond, time.Second)

	result, err := poller.VerifyDeal(context.Background(), "bafyroot", []string{"bafyroot", "bafyb1"}, "target-provider")
	if err != nil {
		t.Fatalf("VerifyDeal returned error: %v", err)
	}
	if !result.RootCIDVerified {
		t.Error("root should be verified")
	}
	if result.UnverifiedCount != 1 {
		t.Errorf("unverified = %d, want 1", result.UnverifiedCount)
	}
	if len(result.FailedCIDs) != 1 || result.FailedCIDs[0].CID != "bafyb1" {
		t.Fatalf("failed cids = %+v, want bafyb1 only", result.FailedCIDs)
	}
}

func TestHTTPIndexClientLookupProviders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cid/bafyroot" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"MultihashResults": [
				{"ProviderResults": [
					{"Provider": {"ID": "12D3KooWProv1", "Addrs": ["/dns4/a/tcp/1"]}},
					{"Provider": {"ID": "12D3KooWProv2", "Addrs": []}}
				]}
			]
		}`))
	}))
	defer server.Close()

	client := NewHTTPIndexClient(server.URL, time.Second)

	providers, err := client.LookupProviders(context.Background(), "bafyroot")
	if err != nil {
		t.Fatalf("LookupProviders returned error: %v", err)
	}
	if len(providers) != 2 {
		t.Fatalf("got %d providers, want 2", len(providers))
	}
	if providers[0] != "12D3KooWProv1" {
		t.Errorf("providers[0] = %s, want 12D3KooWProv1", providers[0])
	}

	// Unknown identifiers are simply not indexed yet.
	providers, err = client.LookupProviders(context.Background(), "bafyunknown")
	if err != nil {
		t.Fatalf("LookupProviders for unknown cid returned error: %v", err)
	}
	if len(providers) != 0 {
		t.Errorf("got %d providers for unknown cid, want 0", len(providers))
	}
}
