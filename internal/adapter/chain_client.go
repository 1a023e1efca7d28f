package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dealwatch/internal/errors"
)

// UploadCallbacks observe upload progress stages. The orchestrator enforces
// stage ordering (complete before added before confirmed); implementations
// fire each callback at most once as the stage is observed.
type UploadCallbacks struct {
	OnUploadComplete func(pieceCID, rootCID string, blockCIDs []string)
	OnPieceAdded     func(transactionHash string)
	OnPieceConfirmed func(pieceID string)
}

// UploadResult is the terminal result of a finished upload.
type UploadResult struct {
	PieceCID        string   `json:"pieceCid"`
	PieceID         string   `json:"pieceId"`
	RootCID         string   `json:"rootCid"`
	BlockCIDs       []string `json:"blockCids"`
	TransactionHash string   `json:"transactionHash"`
}

// ContextMetadata describes the storage context requested for a provider.
type ContextMetadata struct {
	Label         string `json:"label"`
	WalletAddress string `json:"walletAddress"`
	WithIPNI      bool   `json:"withIpni"`
}

// ChainStorageClient creates storage contexts and uploads test payloads.
// Deal submission itself is the service's concern; this client only drives
// it and reports progress.
type ChainStorageClient interface {
	CreateOrReuseContext(ctx context.Context, provider string, metadata ContextMetadata) (string, error)
	Upload(ctx context.Context, contextID string, payload []byte, callbacks UploadCallbacks) (*UploadResult, error)
}

// HTTPChainClient talks to the chain storage service over its REST API.
type HTTPChainClient struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	pollInterval time.Duration
}

// NewHTTPChainClient creates a chain storage client.
func NewHTTPChainClient(baseURL, apiKey string, timeout time.Duration) *HTTPChainClient {
	return &HTTPChainClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		client:       &http.Client{Timeout: timeout},
		pollInterval: 5 * time.Second,
	}
}

type contextResponse struct {
	ContextID string `json:"contextId"`
	Reused    bool   `json:"reused"`
}

// CreateOrReuseContext creates a storage context for the provider, or
// returns the existing one when the service already holds a context with
// matching metadata. Reuse is not an error.
func (c *HTTPChainClient) CreateOrReuseContext(ctx context.Context, provider string, metadata ContextMetadata) (string, error) {
	payload := map[string]interface{}{
		"provider": provider,
		"metadata": metadata,
	}

	var resp contextResponse
	if err := c.postJSON(ctx, "/v1/contexts", payload, &resp); err != nil {
		return "", err
	}
	if resp.ContextID == "" {
		return "", errors.NewTransientError("CONTEXT_EMPTY", "chain service returned empty context id", nil)
	}
	return resp.ContextID, nil
}

type uploadResponse struct {
	UploadID  string   `json:"uploadId"`
	PieceCID  string   `json:"pieceCid"`
	RootCID   string   `json:"rootCid"`
	BlockCIDs []string `json:"blockCids"`
}

type uploadStatusResponse struct {
	Status          string `json:"status"` // uploaded, piece_added, confirmed
	PieceID         string `json:"pieceId"`
	TransactionHash string `json:"transactionHash"`
}

// Upload pushes the payload into the context and polls the upload status
// until the piece is confirmed, firing progress callbacks as each stage is
// first observed. The context deadline bounds the whole operation.
func (c *HTTPChainClient) Upload(ctx context.Context, contextID string, payload []byte, callbacks UploadCallbacks) (*UploadResult, error) {
	var up uploadResponse
	if err := c.postRaw(ctx, fmt.Sprintf("/v1/contexts/%s/upload", contextID), payload, &up); err != nil {
		return nil, err
	}
	if up.PieceCID == "" {
		return nil, errors.NewTransientError("UPLOAD_EMPTY", "chain service returned no piece cid", nil)
	}

	if callbacks.OnUploadComplete != nil {
		callbacks.OnUploadComplete(up.PieceCID, up.RootCID, up.BlockCIDs)
	}

	result := &UploadResult{
		PieceCID:  up.PieceCID,
		RootCID:   up.RootCID,
		BlockCIDs: up.BlockCIDs,
	}

	addedSeen := false
	for {
		select {
		case <-ctx.Done():
			return nil, errors.NewCancelledError("upload cancelled waiting for confirmation", ctx.Err())
		case <-time.After(c.pollInterval):
		}

		var status uploadStatusResponse
		if err := c.getJSON(ctx, fmt.Sprintf("/v1/uploads/%s", up.UploadID), &status); err != nil {
			return nil, err
		}

		switch status.Status {
		case "piece_added":
			if !addedSeen {
				addedSeen = true
				result.TransactionHash = status.TransactionHash
				if callbacks.OnPieceAdded != nil {
					callbacks.OnPieceAdded(status.TransactionHash)
				}
			}
		case "confirmed":
			if !addedSeen {
				// The service can confirm between polls; surface the
				// added stage first so observers see stages in order.
				addedSeen = true
				result.TransactionHash = status.TransactionHash
				if callbacks.OnPieceAdded != nil {
					callbacks.OnPieceAdded(status.TransactionHash)
				}
			}
			result.PieceID = status.PieceID
			if callbacks.OnPieceConfirmed != nil {
				callbacks.OnPieceConfirmed(status.PieceID)
			}
			return result, nil
		case "failed":
			return nil, errors.NewBusinessError("UPLOAD_REJECTED", "chain service reported upload failure")
		}
	}
}

func (c *HTTPChainClient) postJSON(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, "application/json", body, out)
}

func (c *HTTPChainClient) postRaw(ctx context.Context, path string, body []byte, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, "application/octet-stream", body, out)
}

func (c *HTTPChainClient) getJSON(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, "", nil, out)
}

func (c *HTTPChainClient) do(ctx context.Context, method, path, contentType string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.NewCancelledError("chain service call cancelled", ctx.Err())
		}
		return errors.NewTransientError("CHAIN_UNREACHABLE", fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.NewTransientError("CHAIN_READ_FAILED", fmt.Sprintf("reading %s response failed", path), err)
	}

	if resp.StatusCode >= 500 {
		return errors.NewTransientError("CHAIN_SERVER_ERROR",
			fmt.Sprintf("%s %s returned HTTP %d", method, path, resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return errors.NewBusinessError("CHAIN_REJECTED",
			fmt.Sprintf("%s %s returned HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errors.NewTransientError("CHAIN_BAD_RESPONSE", fmt.Sprintf("decoding %s response failed", path), err)
		}
	}
	return nil
}
