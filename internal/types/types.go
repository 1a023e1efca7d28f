// Package types provides common type definitions for the deal watch system.
package types

import "time"

// JobType represents the kind of scheduled work
type JobType string

const (
	// JobTypeDeal represents a deal creation test against one provider
	JobTypeDeal JobType = "deal"
	// JobTypeRetrieval represents a retrieval verification test against one provider
	JobTypeRetrieval JobType = "retrieval"
	// JobTypeMetrics represents the global metrics refresh job
	JobTypeMetrics JobType = "metrics"
	// JobTypeMetricsCleanup represents the global metrics retention cleanup job
	JobTypeMetricsCleanup JobType = "metrics_cleanup"
	// JobTypeProvidersRefresh represents the global provider registry refresh job
	JobTypeProvidersRefresh JobType = "providers_refresh"
)

// IsGlobal reports whether the job type is scheduled once for the whole
// system rather than per provider.
func (t JobType) IsGlobal() bool {
	switch t {
	case JobTypeMetrics, JobTypeMetricsCleanup, JobTypeProvidersRefresh:
		return true
	default:
		return false
	}
}

// QueueName returns the queue a job of this type is enqueued on.
// One queue per job type.
func (t JobType) QueueName() string {
	return "dealwatch/" + string(t)
}

// AllJobTypes lists every known job type in scheduling order.
func AllJobTypes() []JobType {
	return []JobType{
		JobTypeDeal,
		JobTypeRetrieval,
		JobTypeMetrics,
		JobTypeMetricsCleanup,
		JobTypeProvidersRefresh,
	}
}

// JobState represents the lifecycle state of an enqueued job
type JobState string

const (
	// JobStateCreated means the job is enqueued and waiting to be claimed
	JobStateCreated JobState = "created"
	// JobStateActive means the job has been claimed by a worker
	JobStateActive JobState = "active"
	// JobStateCompleted means the handler returned normally
	JobStateCompleted JobState = "completed"
	// JobStateFailed means the job exhausted its retries or failed terminally
	JobStateFailed JobState = "failed"
	// JobStateRetry means the job failed transiently and waits for its backoff
	JobStateRetry JobState = "retry"
	// JobStateCancelled means the job was cancelled before completion
	JobStateCancelled JobState = "cancelled"
)

// IsTerminal reports whether the state is final.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// JobOutcome classifies how a single job execution ended
type JobOutcome string

const (
	// OutcomeSuccess means the handler returned normally
	OutcomeSuccess JobOutcome = "success"
	// OutcomeAborted means the handler observed cancellation and unwound
	OutcomeAborted JobOutcome = "aborted"
	// OutcomeError means the handler failed before reaching a recordable state
	OutcomeError JobOutcome = "error"
)

// DealStatus represents the lifecycle stage of a storage deal test
type DealStatus string

const (
	// DealStatusPending means the deal record exists but upload has not finished
	DealStatusPending DealStatus = "pending"
	// DealStatusUploaded means the payload upload completed
	DealStatusUploaded DealStatus = "uploaded"
	// DealStatusPieceAdded means the piece was added on chain
	DealStatusPieceAdded DealStatus = "piece_added"
	// DealStatusDealCreated means the deal passed every enabled gate
	DealStatusDealCreated DealStatus = "deal_created"
	// DealStatusFailed means the deal failed at some stage
	DealStatusFailed DealStatus = "failed"
)

// dealStatusRank orders the forward-only deal lifecycle. Failed is a jump
// target from any non-terminal stage, not part of the ordering.
var dealStatusRank = map[DealStatus]int{
	DealStatusPending:     0,
	DealStatusUploaded:    1,
	DealStatusPieceAdded:  2,
	DealStatusDealCreated: 3,
}

// CanAdvanceTo reports whether a deal may move from s to next. The lifecycle
// only advances forward or jumps to Failed.
func (s DealStatus) CanAdvanceTo(next DealStatus) bool {
	if next == DealStatusFailed {
		return s != DealStatusFailed && s != DealStatusDealCreated
	}
	from, ok := dealStatusRank[s]
	if !ok {
		return false
	}
	to, ok := dealStatusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// RetrievalMethod identifies a retrieval strategy
type RetrievalMethod string

const (
	// MethodDirect fetches the object straight from the provider endpoint
	MethodDirect RetrievalMethod = "direct"
	// MethodBlockFetch fetches and cryptographically verifies each DAG block
	MethodBlockFetch RetrievalMethod = "block_fetch"
)

// ValidationMethod identifies how a retrieval result was validated
type ValidationMethod string

const (
	// ValidationSizeCheck compares retrieved byte length to the recorded size
	ValidationSizeCheck ValidationMethod = "size_check"
	// ValidationHashCheck recomputes each block's multihash and compares digests
	ValidationHashCheck ValidationMethod = "hash_check"
)

// DiscoverabilityStatus classifies the terminal state of an index poll
type DiscoverabilityStatus string

const (
	// DiscoverabilityVerified means the index listed the target provider
	DiscoverabilityVerified DiscoverabilityStatus = "verified"
	// DiscoverabilityTimedOut means the poll window elapsed without confirmation
	DiscoverabilityTimedOut DiscoverabilityStatus = "failure.timedout"
	// DiscoverabilityFailed means a non-timeout failure occurred
	DiscoverabilityFailed DiscoverabilityStatus = "failure.other"
)

// FetchTiming captures timing metrics for a single HTTP fetch
type FetchTiming struct {
	StartedAt   time.Time
	FirstByteAt time.Time
	CompletedAt time.Time
}

// TTFBMs returns milliseconds from request start to first response byte.
func (t FetchTiming) TTFBMs() int64 {
	if t.FirstByteAt.IsZero() {
		return 0
	}
	return t.FirstByteAt.Sub(t.StartedAt).Milliseconds()
}

// LatencyMs returns milliseconds from request start to full body read.
func (t FetchTiming) LatencyMs() int64 {
	if t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt).Milliseconds()
}

// ThroughputBps returns bytes per second over the full fetch, or 0 when the
// duration is too small to be meaningful.
func (t FetchTiming) ThroughputBps(bytes int64) float64 {
	if t.CompletedAt.IsZero() {
		return 0
	}
	secs := t.CompletedAt.Sub(t.StartedAt).Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(bytes) / secs
}
