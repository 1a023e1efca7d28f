package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dealwatch/internal/errors"
	"github.com/dealwatch/internal/retry"
)

// ProviderInfo is one storage provider entry from the network directory.
type ProviderInfo struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	ServiceURL  string `json:"serviceUrl"`
	PayeeWallet string `json:"payee"`
	Active      bool   `json:"active"`
}

// ProviderDirectory lists the storage providers currently registered on the
// network. The refresh job reconciles the local registry against it.
type ProviderDirectory interface {
	ListProviders(ctx context.Context) ([]ProviderInfo, error)
}

// HTTPProviderDirectory fetches the provider list from the chain service.
type HTTPProviderDirectory struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProviderDirectory creates a provider directory client.
func NewHTTPProviderDirectory(baseURL, apiKey string, timeout time.Duration) *HTTPProviderDirectory {
	return &HTTPProviderDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// ListProviders fetches every registered provider. Transient directory
// failures are retried with backoff before giving up; the refresh schedule
// only comes around every few minutes, so one listing is worth a few tries.
func (d *HTTPProviderDirectory) ListProviders(ctx context.Context) ([]ProviderInfo, error) {
	var providers []ProviderInfo
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context, attempt int) error {
		list, err := d.listOnce(ctx)
		if err != nil {
			return err
		}
		providers = list
		return nil
	})
	if err != nil {
		return nil, err
	}
	return providers, nil
}

func (d *HTTPProviderDirectory) listOnce(ctx context.Context) ([]ProviderInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/v1/providers", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCancelledError("provider listing cancelled", ctx.Err())
		}
		return nil, errors.NewTransientError("DIRECTORY_UNREACHABLE", "listing providers failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewTransientError("DIRECTORY_STATUS",
			fmt.Sprintf("provider listing returned HTTP %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errors.NewTransientError("DIRECTORY_READ_FAILED", "reading provider listing failed", err)
	}

	var providers []ProviderInfo
	if err := json.Unmarshal(body, &providers); err != nil {
		return nil, errors.NewTransientError("DIRECTORY_BAD_RESPONSE", "decoding provider listing failed", err)
	}
	return providers, nil
}
