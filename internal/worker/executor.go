// Package worker claims enqueued jobs and runs their handlers under a
// deadline, with retry backoff for transient failures. Claiming is atomic
// at the store level so workers can run as independent processes.
package worker

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dealwatch/internal/config"
	"github.com/dealwatch/internal/errors"
	"github.com/dealwatch/internal/logging"
	"github.com/dealwatch/internal/metrics"
	"github.com/dealwatch/internal/models"
	"github.com/dealwatch/internal/types"
)

// Handler executes one job. Business-level pass/fail belongs on the Deal or
// RetrievalAttempt the handler records; a returned error means the job
// itself could not run to a recordable state.
type Handler func(ctx context.Context, job *models.Job) error

// JobStore is the job persistence the executor drives.
type JobStore interface {
	ClaimOne(ctx context.Context, queue string, now time.Time) (*models.Job, error)
	MarkCompleted(ctx context.Context, id string, output string) error
	MarkFailed(ctx context.Context, id string, output string) error
	MarkCancelled(ctx context.Context, id string, output string) error
	MarkRetry(ctx context.Context, id string, startAfter time.Time, output string) error
}

// Executor runs one claimed job to a terminal outcome.
type Executor struct {
	store  JobStore
	cfg    config.WorkerConfig
	sink   *metrics.Sink
	logger *logging.Logger
}

// NewExecutor creates an executor.
func NewExecutor(store JobStore, cfg config.WorkerConfig, sink *metrics.Sink, logger *logging.Logger) (*Executor, error) {
	if store == nil {
		return nil, fmt.Errorf("executor requires a job store")
	}
	return &Executor{store: store, cfg: cfg, sink: sink, logger: logger}, nil
}

// Execute runs the handler with a deadline derived from the job's expire
// window and records the terminal outcome. Three outcomes exist: success
// (the handler returned normally, business pass/fail included), aborted
// (the handler observed the deadline and unwound; never retried), and
// error (retried with backoff until the retry limit).
func (e *Executor) Execute(ctx context.Context, job *models.Job, handler Handler) types.JobOutcome {
	runCtx := ctx
	var cancel context.CancelFunc
	if job.ExpireSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(job.ExpireSeconds)*time.Second)
		defer cancel()
	}

	log := e.logger.WithFields(map[string]interface{}{
		"job_id":   job.ID,
		"job_type": string(job.JobType),
		"provider": job.ProviderAddress,
		"retry":    job.RetryCount,
	})

	start := time.Now()
	err := handler(runCtx, job)
	duration := time.Since(start)

	// Terminal-state writes use a context that survives the job deadline.
	markCtx, markCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer markCancel()

	outcome := e.settle(markCtx, job, err, log)
	if e.sink != nil {
		e.sink.RecordJobOutcome(job.QueueName, outcome, duration.Seconds())
	}
	return outcome
}

func (e *Executor) settle(ctx context.Context, job *models.Job, err error, log *logging.Logger) types.JobOutcome {
	switch errors.CategoryOf(err) {
	case "":
		if markErr := e.store.MarkCompleted(ctx, job.ID, ""); markErr != nil {
			log.WithError(markErr).Error("Failed to mark job completed")
		}
		log.Debug("Job completed")
		return types.OutcomeSuccess

	case errors.CategoryBusiness:
		// The business failure is recorded on the deal or attempt; the
		// job itself ran to completion and waits for its next interval.
		if markErr := e.store.MarkCompleted(ctx, job.ID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("Failed to mark job completed")
		}
		log.WithField("business_failure", err.Error()).Info("Job completed with business failure")
		return types.OutcomeSuccess

	case errors.CategoryCancelled:
		// Usually the deadline was too short for this run, not a fault;
		// report and leave it for the next scheduled run.
		if markErr := e.store.MarkCancelled(ctx, job.ID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("Failed to mark job cancelled")
		}
		log.Warn("Job aborted by deadline or shutdown")
		return types.OutcomeAborted

	case errors.CategoryInvariant:
		if markErr := e.store.MarkFailed(ctx, job.ID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("Failed to mark job failed")
		}
		log.WithError(err).Error("Job hit an orchestration invariant violation")
		return types.OutcomeError

	default: // transient
		if job.RetriesExhausted() {
			if markErr := e.store.MarkFailed(ctx, job.ID, err.Error()); markErr != nil {
				log.WithError(markErr).Error("Failed to mark job failed")
			}
			log.WithError(err).Warn("Job failed terminally, retries exhausted")
			return types.OutcomeError
		}
		delay := RetryDelay(e.cfg, job.RetryCount)
		if markErr := e.store.MarkRetry(ctx, job.ID, time.Now().Add(delay), err.Error()); markErr != nil {
			log.WithError(markErr).Error("Failed to mark job for retry")
		}
		log.WithError(err).WithField("retry_in", delay.String()).Info("Job scheduled for retry")
		return types.OutcomeError
	}
}

// RetryDelay returns the backoff before retry attempt retryCount+1:
// RetryDelay * RetryBackoff^retryCount, capped at RetryDelayMax.
func RetryDelay(cfg config.WorkerConfig, retryCount int) time.Duration {
	delay := time.Duration(float64(cfg.RetryDelay) * math.Pow(cfg.RetryBackoff, float64(retryCount)))
	if cfg.RetryDelayMax > 0 && delay > cfg.RetryDelayMax {
		delay = cfg.RetryDelayMax
	}
	if delay < 0 {
		delay = cfg.RetryDelayMax
	}
	return delay
}
