package models

import "github.com/dealwatch/internal/types"

// FailedCID records why a single identifier failed verification.
type FailedCID struct {
	CID    string `json:"cid"`
	Reason string `json:"reason"`
}

// DiscoverabilityResult is the transient outcome of one index verification
// call. It is consumed by the deal orchestrator to update deal timing fields
// and emit a terminal status.
type DiscoverabilityResult struct {
	RootCID         string                      `json:"rootCid"`
	BlockCIDs       []string                    `json:"blockCids"`
	Status          types.DiscoverabilityStatus `json:"status"`
	RootCIDVerified bool                        `json:"rootCidVerified"`
	VerifiedCount   int                         `json:"verifiedCount"`
	UnverifiedCount int                         `json:"unverifiedCount"`
	DurationMs      int64                       `json:"durationMs"`
	FailedCIDs      []FailedCID                 `json:"failedCids,omitempty"`
}

// TimedOut reports whether the result ended because the poll window elapsed.
func (r *DiscoverabilityResult) TimedOut() bool {
	return r.Status == types.DiscoverabilityTimedOut
}
