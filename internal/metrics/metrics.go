// Package metrics provides the Prometheus sink for job, deal, retrieval,
// and discoverability events. The sink owns no storage; callers feed it
// labeled events and a scrape endpoint exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dealwatch/internal/types"
)

// Sink records counters and histograms for the deal watch pipeline. All
// collectors are registered on the injected registry; there is no package
// level state.
type Sink struct {
	jobOutcomes          *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	dealStageTransitions *prometheus.CounterVec
	dealLatency          *prometheus.HistogramVec
	retrievalAttempts    *prometheus.CounterVec
	retrievalLatency     *prometheus.HistogramVec
	retrievalTTFB        *prometheus.HistogramVec
	discoverability      *prometheus.CounterVec
	discoverabilityWait  *prometheus.HistogramVec
}

// NewSink creates a metrics sink registered on the given registry.
func NewSink(registry prometheus.Registerer) *Sink {
	factory := promauto.With(registry)

	return &Sink{
		jobOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dealwatch_job_outcomes_total",
			Help: "Terminal job execution outcomes per queue",
		}, []string{"queue", "outcome"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealwatch_job_duration_seconds",
			Help:    "Job handler execution duration",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"queue"}),
		dealStageTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dealwatch_deal_stage_transitions_total",
			Help: "Deal lifecycle stage transitions per provider",
		}, []string{"provider", "status"}),
		dealLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealwatch_deal_latency_seconds",
			Help:    "End to end deal latency per provider",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"provider"}),
		retrievalAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dealwatch_retrieval_attempts_total",
			Help: "Retrieval attempts per provider, method, and result",
		}, []string{"provider", "method", "success"}),
		retrievalLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealwatch_retrieval_latency_seconds",
			Help:    "Retrieval fetch latency per provider and method",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"provider", "method"}),
		retrievalTTFB: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealwatch_retrieval_ttfb_seconds",
			Help:    "Retrieval time to first byte per provider and method",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"provider", "method"}),
		discoverability: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dealwatch_discoverability_results_total",
			Help: "Discoverability poll terminal statuses per provider",
		}, []string{"provider", "status"}),
		discoverabilityWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealwatch_discoverability_wait_seconds",
			Help:    "Wall clock time until a discoverability poll terminated",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"provider"}),
	}
}

// RecordJobOutcome records a terminal job execution outcome.
func (s *Sink) RecordJobOutcome(queue string, outcome types.JobOutcome, durationSeconds float64) {
	s.jobOutcomes.WithLabelValues(queue, string(outcome)).Inc()
	s.jobDuration.WithLabelValues(queue).Observe(durationSeconds)
}

// RecordDealStage records a deal lifecycle stage transition.
func (s *Sink) RecordDealStage(provider string, status types.DealStatus) {
	s.dealStageTransitions.WithLabelValues(provider, string(status)).Inc()
}

// RecordDealLatency records end to end deal latency for a created deal.
func (s *Sink) RecordDealLatency(provider string, latencySeconds float64) {
	s.dealLatency.WithLabelValues(provider).Observe(latencySeconds)
}

// RecordRetrieval records one retrieval attempt.
func (s *Sink) RecordRetrieval(provider string, method types.RetrievalMethod, success bool, latencySeconds, ttfbSeconds float64) {
	successLabel := "false"
	if success {
		successLabel = "true"
	}
	s.retrievalAttempts.WithLabelValues(provider, string(method), successLabel).Inc()
	if latencySeconds > 0 {
		s.retrievalLatency.WithLabelValues(provider, string(method)).Observe(latencySeconds)
	}
	if ttfbSeconds > 0 {
		s.retrievalTTFB.WithLabelValues(provider, string(method)).Observe(ttfbSeconds)
	}
}

// RecordDiscoverability records a discoverability poll terminal status.
func (s *Sink) RecordDiscoverability(provider string, status types.DiscoverabilityStatus, waitSeconds float64) {
	s.discoverability.WithLabelValues(provider, string(status)).Inc()
	s.discoverabilityWait.WithLabelValues(provider).Observe(waitSeconds)
}
