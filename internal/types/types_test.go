package types

import (
	"testing"
	"time"
)

func TestJobTypeIsGlobal(t *testing.T) {
	tests := []struct {
		jobType JobType
		want    bool
	}{
		{JobTypeDeal, false},
		{JobTypeRetrieval, false},
		{JobTypeMetrics, true},
		{JobTypeMetricsCleanup, true},
		{JobTypeProvidersRefresh, true},
	}
	for _, tt := range tests {
		if got := tt.jobType.IsGlobal(); got != tt.want {
			t.Errorf("%s.IsGlobal() = %v, want %v", tt.jobType, got, tt.want)
		}
	}
}

func TestQueueNamePerJobType(t *testing.T) {
	if got := JobTypeDeal.QueueName(); got != "dealwatch/deal" {
		t.Errorf("QueueName() = %q", got)
	}
	seen := make(map[string]bool)
	for _, jt := range AllJobTypes() {
		q := jt.QueueName()
		if seen[q] {
			t.Errorf("duplicate queue name %q", q)
		}
		seen[q] = true
	}
}

func TestJobStateIsTerminal(t *testing.T) {
	terminal := []JobState{JobStateCompleted, JobStateFailed, JobStateCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []JobState{JobStateCreated, JobStateActive, JobStateRetry}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestDealStatusAdvancesForwardOnly(t *testing.T) {
	tests := []struct {
		from, to DealStatus
		want     bool
	}{
		{DealStatusPending, DealStatusUploaded, true},
		{DealStatusPending, DealStatusDealCreated, true},
		{DealStatusUploaded, DealStatusPieceAdded, true},
		{DealStatusPieceAdded, DealStatusUploaded, false},
		{DealStatusDealCreated, DealStatusPending, false},
		{DealStatusUploaded, DealStatusUploaded, false},
		{DealStatusPending, DealStatusFailed, true},
		{DealStatusPieceAdded, DealStatusFailed, true},
		{DealStatusDealCreated, DealStatusFailed, false},
		{DealStatusFailed, DealStatusFailed, false},
		{DealStatusFailed, DealStatusUploaded, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanAdvanceTo(tt.to); got != tt.want {
			t.Errorf("%s.CanAdvanceTo(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestFetchTimingDerivedMetrics(t *testing.T) {
	start := time.Now()
	timing := FetchTiming{
		StartedAt:   start,
		FirstByteAt: start.Add(50 * time.Millisecond),
		CompletedAt: start.Add(200 * time.Millisecond),
	}

	if got := timing.TTFBMs(); got != 50 {
		t.Errorf("TTFBMs() = %d, want 50", got)
	}
	if got := timing.LatencyMs(); got != 200 {
		t.Errorf("LatencyMs() = %d, want 200", got)
	}
	if got := timing.ThroughputBps(1000); got < 4900 || got > 5100 {
		t.Errorf("ThroughputBps() = %f, want ~5000", got)
	}
}

func TestFetchTimingZeroValues(t *testing.T) {
	var timing FetchTiming
	if timing.TTFBMs() != 0 || timing.LatencyMs() != 0 || timing.ThroughputBps(100) != 0 {
		t.Error("zero timing should yield zero metrics")
	}
}
