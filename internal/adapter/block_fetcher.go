package adapter

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ipfs/go-cid"

	"github.com/dealwatch/internal/errors"
)

// GatewayBlockFetcher retrieves raw blocks from a provider's trustless
// gateway endpoint (GET {base}/ipfs/{cid} with the raw accept header).
// It implements verify.BlockFetcher.
type GatewayBlockFetcher struct {
	baseURL string
	fetcher *Fetcher
}

// NewGatewayBlockFetcher creates a block fetcher rooted at the provider's
// gateway base URL.
func NewGatewayBlockFetcher(baseURL string, fetcher *Fetcher) *GatewayBlockFetcher {
	return &GatewayBlockFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		fetcher: fetcher,
	}
}

// BlockURL returns the raw-block URL for one identifier.
func (g *GatewayBlockFetcher) BlockURL(c cid.Cid) string {
	return fmt.Sprintf("%s/ipfs/%s", g.baseURL, c.String())
}

// FetchBlock fetches the raw bytes of one block.
func (g *GatewayBlockFetcher) FetchBlock(ctx context.Context, c cid.Cid) ([]byte, error) {
	result, err := g.fetcher.Get(ctx, g.BlockURL(c), map[string]string{
		"Accept": "application/vnd.ipld.raw",
	})
	if err != nil {
		return nil, err
	}
	if result.StatusCode != http.StatusOK {
		return nil, errors.NewBusinessError("BLOCK_FETCH_STATUS",
			fmt.Sprintf("HTTP %d fetching block %s", result.StatusCode, c))
	}
	return result.Body, nil
}
