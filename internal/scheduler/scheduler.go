// Package scheduler turns durable schedule rows into enqueued jobs. It is
// rate-based: each schedule carries its own interval and next-run instant,
// and the scheduler only needs a coarse poll tick to find due rows.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/dealwatch/internal/config"
	"github.com/dealwatch/internal/logging"
	"github.com/dealwatch/internal/models"
	"github.com/dealwatch/internal/types"
)

// ScheduleStore is the schedule persistence the scheduler drives.
type ScheduleStore interface {
	GetDue(ctx context.Context, now time.Time) ([]*models.ScheduleState, error)
	Advance(ctx context.Context, jobType types.JobType, provider string, lastRunAt, nextRunAt time.Time) error
	CreateIfAbsent(ctx context.Context, state *models.ScheduleState) (bool, error)
}

// JobEnqueuer enqueues jobs idempotently per slot.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) (bool, error)
}

// Scheduler scans for due schedules on a poll interval and enqueues the
// corresponding jobs, catching up missed slots up to a cap.
type Scheduler struct {
	store      ScheduleStore
	jobs       JobEnqueuer
	cfg        config.SchedulerConfig
	retryLimit int
	timeouts   map[types.JobType]time.Duration
	logger     *logging.Logger
	rng        *rand.Rand
}

// New creates a scheduler. timeouts provides the per-type job deadline that
// is stamped onto each enqueued job.
func New(store ScheduleStore, jobs JobEnqueuer, cfg config.SchedulerConfig, retryLimit int, timeouts map[types.JobType]time.Duration, logger *logging.Logger) (*Scheduler, error) {
	if store == nil || jobs == nil {
		return nil, fmt.Errorf("scheduler requires a schedule store and a job enqueuer")
	}
	if cfg.CatchupMaxEnqueue <= 0 {
		return nil, fmt.Errorf("catch-up cap must be positive, got %d", cfg.CatchupMaxEnqueue)
	}
	return &Scheduler{
		store:      store,
		jobs:       jobs,
		cfg:        cfg,
		retryLimit: retryLimit,
		timeouts:   timeouts,
		logger:     logger,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Run polls for due schedules until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.EnsureGlobalSchedules(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.WithField("poll_interval", s.cfg.PollInterval.String()).Info("Scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick processes every due schedule once. A failure on one schedule is
// logged and skipped; the tick continues for the others.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due, err := s.store.GetDue(ctx, now)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load due schedules")
		return
	}

	for _, state := range due {
		if ctx.Err() != nil {
			return
		}
		enqueued, err := s.processSchedule(ctx, state, now)
		if err != nil {
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"job_type": string(state.JobType),
				"provider": state.ProviderAddress,
			}).Warn("Schedule processing failed, skipping this tick")
			continue
		}
		if enqueued > 0 {
			s.logger.WithFields(map[string]interface{}{
				"job_type": string(state.JobType),
				"provider": state.ProviderAddress,
				"enqueued": enqueued,
			}).Debug("Enqueued scheduled jobs")
		}
	}
}

// processSchedule enqueues up to the catch-up cap of missed slots for one
// due schedule, then advances NextRunAt past now. Excess backlog beyond the
// cap is dropped rather than queued, protecting downstream capacity.
func (s *Scheduler) processSchedule(ctx context.Context, state *models.ScheduleState, now time.Time) (int, error) {
	interval := state.Interval()
	if interval <= 0 {
		return 0, fmt.Errorf("schedule %s/%s has non-positive interval", state.JobType, state.ProviderAddress)
	}

	if state.NextRunAt.After(now) {
		return 0, nil
	}

	// Count missed slots arithmetically so the cost of a long outage is
	// bounded by the cap, not the backlog. Slots are NextRunAt,
	// NextRunAt+interval, ... up to and including now.
	missed := int64(now.Sub(state.NextRunAt)/interval) + 1
	next := state.NextRunAt.Add(time.Duration(missed) * interval)

	// Only the most recent slots get enqueued; older backlog is
	// intentionally dropped.
	count := missed
	if count > int64(s.cfg.CatchupMaxEnqueue) {
		count = int64(s.cfg.CatchupMaxEnqueue)
	}

	enqueued := 0
	for i := count; i >= 1; i-- {
		slot := next.Add(-time.Duration(i) * interval)
		inserted, err := s.jobs.Enqueue(ctx, s.buildJob(state, slot, now))
		if err != nil {
			return enqueued, fmt.Errorf("failed to enqueue %s job: %w", state.JobType, err)
		}
		if inserted {
			enqueued++
		}
	}

	if err := s.store.Advance(ctx, state.JobType, state.ProviderAddress, now, next); err != nil {
		return enqueued, fmt.Errorf("failed to advance schedule: %w", err)
	}
	return enqueued, nil
}

// buildJob creates the job row for one scheduled slot. The slot key makes
// re-enqueue after a partially failed tick a silent no-op; the singleton key
// serializes deal and retrieval work per provider.
func (s *Scheduler) buildJob(state *models.ScheduleState, slot, now time.Time) *models.Job {
	job := &models.Job{
		ID:              uuid.New().String(),
		QueueName:       state.JobType.QueueName(),
		JobType:         state.JobType,
		ProviderAddress: state.ProviderAddress,
		State:           types.JobStateCreated,
		RetryLimit:      s.retryLimit,
		StartAfter:      now.Add(s.jitter()),
		CreatedAt:       now,
	}

	slotKey := fmt.Sprintf("%s:%s:%d", state.JobType, state.ProviderAddress, slot.Unix())
	job.SlotKey = &slotKey

	if state.JobType.IsGlobal() {
		singleton := "global:" + string(state.JobType)
		job.SingletonKey = &singleton
	} else {
		singleton := state.ProviderAddress
		job.SingletonKey = &singleton
	}

	if timeout, ok := s.timeouts[state.JobType]; ok {
		job.ExpireSeconds = int(timeout / time.Second)
	}
	return job
}

// jitter returns a uniform random delay in [0, EnqueueJitter).
func (s *Scheduler) jitter() time.Duration {
	if s.cfg.EnqueueJitter <= 0 {
		return 0
	}
	return time.Duration(s.rng.Int63n(int64(s.cfg.EnqueueJitter)))
}

// EnsureGlobalSchedules creates the system-wide schedules (metrics refresh,
// retention cleanup, provider registry refresh) if missing. Per-provider
// schedules are created by the provider refresh job instead.
func (s *Scheduler) EnsureGlobalSchedules(ctx context.Context) error {
	now := time.Now()
	plans := []struct {
		jobType  types.JobType
		interval time.Duration
	}{
		{types.JobTypeProvidersRefresh, s.cfg.RefreshInterval},
		{types.JobTypeMetrics, s.cfg.MetricsInterval},
		{types.JobTypeMetricsCleanup, s.cfg.CleanupInterval},
	}

	for _, plan := range plans {
		if plan.interval <= 0 {
			continue
		}
		state := &models.ScheduleState{
			JobType:         plan.jobType,
			IntervalSeconds: int(plan.interval / time.Second),
			NextRunAt:       now.Add(s.cfg.SchedulePhase),
		}
		created, err := s.store.CreateIfAbsent(ctx, state)
		if err != nil {
			return fmt.Errorf("failed to create %s schedule: %w", plan.jobType, err)
		}
		if created {
			s.logger.WithField("job_type", string(plan.jobType)).Info("Created global schedule")
		}
	}
	return nil
}
