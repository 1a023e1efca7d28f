// Package verify implements content-addressed block verification. Each
// block's multihash is recomputed from its fetched bytes using the algorithm
// encoded in the identifier and compared against the identifier's digest.
// This is the only layer doing true cryptographic integrity checking;
// size-based validations elsewhere only bound-check length.
package verify

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/dealwatch/internal/errors"
	"github.com/dealwatch/internal/models"
)

// BlockFetcher retrieves the raw bytes of one block by its identifier.
type BlockFetcher interface {
	FetchBlock(ctx context.Context, c cid.Cid) ([]byte, error)
}

// Result is the outcome of verifying a set of blocks.
type Result struct {
	ExpectedBlocks int
	UniqueBlocks   int
	VerifiedCount  int
	BytesFetched   int64
	Failed         []models.FailedCID
	Aborted        bool
}

// Valid reports whether every unique block verified.
func (r *Result) Valid() bool {
	return !r.Aborted && len(r.Failed) == 0 && r.VerifiedCount == r.UniqueBlocks
}

// Detail renders a human-readable summary for validation_details fields.
func (r *Result) Detail() string {
	s := fmt.Sprintf("expected=%d actual=%d", r.UniqueBlocks, r.VerifiedCount)
	for _, f := range r.Failed {
		s += fmt.Sprintf("; %s: %s", f.CID, f.Reason)
	}
	if r.Aborted {
		s += "; aborted before completion"
	}
	return s
}

// VerifyBlock recomputes the multihash of data using the algorithm encoded
// in c and compares digests. Identifiers carrying an unsupported hash
// algorithm are rejected rather than passed through unverified.
func VerifyBlock(c cid.Cid, data []byte) error {
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return errors.NewBusinessError("CID_DECODE", fmt.Sprintf("cannot decode multihash of %s: %v", c, err))
	}
	if _, ok := mh.Codes[decoded.Code]; !ok {
		return errors.NewBusinessError("HASH_UNSUPPORTED", fmt.Sprintf("unsupported hash algorithm 0x%x in %s", decoded.Code, c))
	}

	computed, err := c.Prefix().Sum(data)
	if err != nil {
		return errors.NewBusinessError("HASH_UNSUPPORTED", fmt.Sprintf("cannot recompute hash for %s: %v", c, err))
	}
	if !computed.Equals(c) {
		return errors.NewBusinessError("HASH_MISMATCH", fmt.Sprintf("digest mismatch for %s: recomputed %s", c, computed))
	}
	return nil
}

// Verifier fetches and verifies sets of content-addressed blocks.
type Verifier struct {
	fetcher BlockFetcher
}

// NewVerifier creates a verifier backed by the given block fetcher.
func NewVerifier(fetcher BlockFetcher) *Verifier {
	return &Verifier{fetcher: fetcher}
}

// VerifyBlocks fetches each unique identifier once and verifies its bytes
// against the identifier's digest. Identifiers referenced more than once
// (blocks shared by multiple DAG parents) are deduplicated. Any fetch
// failure or digest mismatch marks the whole run failed with a per-block
// reason; verification of remaining blocks continues so the failure detail
// is complete. The cancellation signal is checked before every fetch; on
// cancellation the result reports what completed so far with Aborted set.
func (v *Verifier) VerifyBlocks(ctx context.Context, cids []string) (*Result, error) {
	result := &Result{ExpectedBlocks: len(cids)}

	seen := make(map[string]struct{}, len(cids))
	var unique []cid.Cid
	for _, raw := range cids {
		c, err := cid.Decode(raw)
		if err != nil {
			result.Failed = append(result.Failed, models.FailedCID{
				CID:    raw,
				Reason: fmt.Sprintf("invalid identifier: %v", err),
			})
			continue
		}
		if _, ok := seen[c.KeyString()]; ok {
			continue
		}
		seen[c.KeyString()] = struct{}{}
		unique = append(unique, c)
	}
	result.UniqueBlocks = len(unique) + len(result.Failed)

	for _, c := range unique {
		if err := ctx.Err(); err != nil {
			result.Aborted = true
			return result, nil
		}

		data, err := v.fetcher.FetchBlock(ctx, c)
		if err != nil {
			if errors.IsCancelled(err) {
				result.Aborted = true
				return result, nil
			}
			result.Failed = append(result.Failed, models.FailedCID{
				CID:    c.String(),
				Reason: fmt.Sprintf("fetch failed: %v", err),
			})
			continue
		}
		result.BytesFetched += int64(len(data))

		if err := VerifyBlock(c, data); err != nil {
			result.Failed = append(result.Failed, models.FailedCID{
				CID:    c.String(),
				Reason: err.Error(),
			})
			continue
		}
		result.VerifiedCount++
	}

	return result, nil
}
