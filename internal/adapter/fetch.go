// Package adapter provides HTTP clients for the external collaborators:
// provider endpoints, the chain storage service, and the network indexer.
package adapter

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dealwatch/internal/circuitbreaker"
	"github.com/dealwatch/internal/errors"
	"github.com/dealwatch/internal/types"
)

// FetchResult is the outcome of one instrumented GET.
type FetchResult struct {
	StatusCode int
	Body       []byte
	Timing     types.FetchTiming
}

// errServerStatus marks a 5xx response inside the breaker callback. The
// response is still returned to the caller; the sentinel only exists so the
// breaker counts the endpoint as failing.
var errServerStatus = stderrors.New("server error status")

// Fetcher performs instrumented HTTP GETs with a body size cap. The
// cancellation signal is the request context; timing captures TTFB and full
// body latency. Each target host gets its own circuit breaker, so a
// provider that keeps failing is probed sparingly instead of hammered by
// every concurrent retrieval test.
type Fetcher struct {
	client      *http.Client
	maxBodySize int64

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker
}

// NewFetcher creates a fetcher with the given per-request timeout and body
// size cap.
func NewFetcher(timeout time.Duration, maxBodySize int64) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		maxBodySize: maxBodySize,
		breakers:    make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

func (f *Fetcher) breakerFor(host string) *circuitbreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	br, ok := f.breakers[host]
	if !ok {
		br = circuitbreaker.New(circuitbreaker.DefaultConfig(host), nil)
		f.breakers[host] = br
	}
	return br
}

// Get fetches a URL with optional headers. Non-2xx responses are returned
// with their status code and a drained (capped) body rather than as errors;
// callers decide whether a status is a failure. Transport failures classify
// as transient unless the context was cancelled. An open circuit for the
// target host fails fast with a transient error.
func (f *Fetcher) Get(ctx context.Context, url string, headers map[string]string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.NewBusinessError("BAD_URL", fmt.Sprintf("invalid fetch URL %q: %v", url, err))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	br := f.breakerFor(req.URL.Host)
	var result *FetchResult
	execErr := br.Execute(ctx, func() error {
		r, err := f.do(ctx, req)
		if err != nil {
			return err
		}
		result = r
		if r.StatusCode >= http.StatusInternalServerError {
			return errServerStatus
		}
		return nil
	})
	if result != nil {
		// A 5xx counted against the breaker but is still a response.
		return result, nil
	}
	if stderrors.Is(execErr, circuitbreaker.ErrCircuitOpen) || stderrors.Is(execErr, circuitbreaker.ErrTooManyRequests) {
		return nil, errors.NewTransientError("ENDPOINT_UNAVAILABLE",
			fmt.Sprintf("circuit open for %s", req.URL.Host), execErr)
	}
	return nil, execErr
}

func (f *Fetcher) do(ctx context.Context, req *http.Request) (*FetchResult, error) {
	url := req.URL.String()
	timing := types.FetchTiming{StartedAt: time.Now()}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCancelledError("fetch cancelled", ctx.Err())
		}
		return nil, errors.NewTransientError("FETCH_FAILED", fmt.Sprintf("GET %s failed", url), err)
	}
	defer resp.Body.Close()

	timing.FirstByteAt = time.Now()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCancelledError("fetch body read cancelled", ctx.Err())
		}
		return nil, errors.NewTransientError("FETCH_READ_FAILED", fmt.Sprintf("reading body of %s failed", url), err)
	}
	if int64(len(body)) > f.maxBodySize {
		return nil, errors.NewBusinessError("BODY_TOO_LARGE", fmt.Sprintf("response from %s exceeds %d byte cap", url, f.maxBodySize))
	}

	timing.CompletedAt = time.Now()

	return &FetchResult{
		StatusCode: resp.StatusCode,
		Body:       body,
		Timing:     timing,
	}, nil
}
