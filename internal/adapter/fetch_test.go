package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dealwatch/internal/errors"
)

func TestGetReturnsBodyAndTiming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "application/vnd.ipld.raw" {
			t.Errorf("Accept header = %q", got)
		}
		_, _ = w.Write([]byte("block data"))
	}))
	defer server.Close()

	fetcher := NewFetcher(5*time.Second, 1<<20)
	result, err := fetcher.Get(context.Background(), server.URL, map[string]string{
		"Accept": "application/vnd.ipld.raw",
	})
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", result.StatusCode)
	}
	if string(result.Body) != "block data" {
		t.Errorf("Body = %q", result.Body)
	}
	if result.Timing.StartedAt.IsZero() || result.Timing.CompletedAt.Before(result.Timing.FirstByteAt) {
		t.Error("timing should be monotonic and populated")
	}
}

func TestGetNonOKStatusIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	fetcher := NewFetcher(5*time.Second, 1<<20)
	result, err := fetcher.Get(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if result.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", result.StatusCode)
	}
}

func TestGetEnforcesBodySizeCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 200)))
	}))
	defer server.Close()

	fetcher := NewFetcher(5*time.Second, 100)
	_, err := fetcher.Get(context.Background(), server.URL, nil)
	if err == nil {
		t.Fatal("oversized body should be rejected")
	}
	if errors.IsTransient(err) {
		t.Error("size cap violation should not be transient")
	}
}

func TestGetCircuitOpensForFailingHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fetcher := NewFetcher(5*time.Second, 1<<20)
	ctx := context.Background()

	// Consecutive 5xx responses are still returned to the caller while the
	// breaker counts them.
	for i := 0; i < 5; i++ {
		result, err := fetcher.Get(ctx, server.URL, nil)
		if err != nil {
			t.Fatalf("Get() %d error: %v", i, err)
		}
		if result.StatusCode != http.StatusInternalServerError {
			t.Fatalf("StatusCode = %d, want 500", result.StatusCode)
		}
	}

	_, err := fetcher.Get(ctx, server.URL, nil)
	if err == nil {
		t.Fatal("open circuit should fail fast")
	}
	if !errors.IsTransient(err) {
		t.Errorf("open circuit error should be transient, got %v", err)
	}
}

func TestGetIsolatesBreakersPerHost(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer healthy.Close()

	fetcher := NewFetcher(5*time.Second, 1<<20)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, _ = fetcher.Get(ctx, failing.URL, nil)
	}

	result, err := fetcher.Get(ctx, healthy.URL, nil)
	if err != nil {
		t.Fatalf("healthy host should be unaffected, got %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", result.StatusCode)
	}
}
