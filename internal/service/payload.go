package service

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Payload is a generated test object plus the content identifiers recorded
// for later retrieval verification.
type Payload struct {
	FileName  string
	Data      []byte
	RootCID   string
	BlockCIDs []string
}

var rawPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   mh.SHA2_256,
	MhLength: -1,
}

// GeneratePayload builds a random test payload of the given size and
// computes the content identifier of each blockSize-sized chunk. The first
// chunk's identifier doubles as the root. Identifiers are recorded at upload
// time so retrieval verification can later recompute and compare digests.
func GeneratePayload(size, blockSize int64) (*Payload, error) {
	if size <= 0 {
		return nil, fmt.Errorf("payload size must be positive, got %d", size)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}

	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		return nil, fmt.Errorf("failed to generate payload: %w", err)
	}

	var blockCIDs []string
	for start := int64(0); start < size; start += blockSize {
		end := start + blockSize
		if end > size {
			end = size
		}
		c, err := rawPrefix.Sum(data[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to compute block identifier: %w", err)
		}
		blockCIDs = append(blockCIDs, c.String())
	}

	return &Payload{
		FileName:  fmt.Sprintf("dealwatch-probe-%d.bin", time.Now().UnixNano()),
		Data:      data,
		RootCID:   blockCIDs[0],
		BlockCIDs: blockCIDs,
	}, nil
}
