// Package ipni polls the network index (IPNI) for content discoverability:
// confirming that a provider is listed for a given root identifier.
package ipni

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dealwatch/internal/errors"
)

// IndexClient queries the network index for the providers advertising a
// root identifier.
type IndexClient interface {
	LookupProviders(ctx context.Context, rootCID string) ([]string, error)
}

// HTTPIndexClient queries an IPNI instance over its cid lookup endpoint.
type HTTPIndexClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPIndexClient creates an index client for the given IPNI base URL.
func NewHTTPIndexClient(baseURL string, timeout time.Duration) *HTTPIndexClient {
	return &HTTPIndexClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type lookupResponse struct {
	MultihashResults []struct {
		ProviderResults []struct {
			Provider struct {
				ID    string   `json:"ID"`
				Addrs []string `json:"Addrs"`
			} `json:"Provider"`
		} `json:"ProviderResults"`
	} `json:"MultihashResults"`
}

// LookupProviders returns the provider identifiers the index currently
// lists for rootCID. A 404 means the identifier is not indexed yet and
// returns an empty list, not an error.
func (c *HTTPIndexClient) LookupProviders(ctx context.Context, rootCID string) ([]string, error) {
	url := fmt.Sprintf("%s/cid/%s", c.baseURL, rootCID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build index request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCancelledError("index lookup cancelled", ctx.Err())
		}
		return nil, errors.NewTransientError("INDEX_UNREACHABLE", fmt.Sprintf("index lookup for %s failed", rootCID), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewTransientError("INDEX_STATUS",
			fmt.Sprintf("index lookup for %s returned HTTP %d", rootCID, resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errors.NewTransientError("INDEX_READ_FAILED", "reading index response failed", err)
	}

	var decoded lookupResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errors.NewTransientError("INDEX_BAD_RESPONSE", "decoding index response failed", err)
	}

	var providers []string
	for _, mh := range decoded.MultihashResults {
		for _, pr := range mh.ProviderResults {
			providers = append(providers, pr.Provider.ID)
		}
	}
	return providers, nil
}
