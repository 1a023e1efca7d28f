package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dealwatch/internal/config"
	"github.com/dealwatch/internal/logging"
	"github.com/dealwatch/internal/models"
	"github.com/dealwatch/internal/types"
)

// Pool runs one claim loop per registered job type, each bounded to the
// configured local concurrency. The store's atomic claim is the only
// coordination between pools in different processes.
type Pool struct {
	store    JobStore
	executor *Executor
	cfg      config.WorkerConfig
	logger   *logging.Logger

	mu       sync.Mutex
	handlers map[types.JobType]Handler
}

// NewPool creates a worker pool.
func NewPool(store JobStore, executor *Executor, cfg config.WorkerConfig, logger *logging.Logger) (*Pool, error) {
	if store == nil || executor == nil {
		return nil, fmt.Errorf("pool requires a job store and an executor")
	}
	if cfg.LocalConcurrency <= 0 {
		return nil, fmt.Errorf("local concurrency must be positive, got %d", cfg.LocalConcurrency)
	}
	return &Pool{
		store:    store,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[types.JobType]Handler),
	}, nil
}

// Register binds a handler to a job type. Must be called before Run.
func (p *Pool) Register(jobType types.JobType, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = handler
}

// Run starts one claim loop per registered job type and blocks until the
// context is cancelled and all in-flight jobs finished.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if len(p.handlers) == 0 {
		p.mu.Unlock()
		return fmt.Errorf("no handlers registered")
	}
	registered := make(map[types.JobType]Handler, len(p.handlers))
	for jt, h := range p.handlers {
		registered[jt] = h
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for jobType, handler := range registered {
		wg.Add(1)
		go func(jobType types.JobType, handler Handler) {
			defer wg.Done()
			p.runQueue(ctx, jobType, handler)
		}(jobType, handler)
	}

	p.logger.WithFields(map[string]interface{}{
		"queues":      len(registered),
		"concurrency": p.cfg.LocalConcurrency,
	}).Info("Worker pool started")

	wg.Wait()
	p.logger.Info("Worker pool stopped")
	return ctx.Err()
}

// runQueue polls one queue, claiming jobs while concurrency slots are free.
// Claimed jobs run in their own goroutines; the semaphore bounds them.
func (p *Pool) runQueue(ctx context.Context, jobType types.JobType, handler Handler) {
	queue := jobType.QueueName()
	sem := make(chan struct{}, p.cfg.LocalConcurrency)
	var inflight sync.WaitGroup

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			inflight.Wait()
			return
		case <-ticker.C:
			p.drainQueue(ctx, queue, handler, sem, &inflight)
		}
	}
}

// drainQueue claims jobs one at a time until the queue is empty or every
// concurrency slot is taken. Claiming one at a time keeps the singleton
// check accurate: each claim sees the Active set left by the previous one.
func (p *Pool) drainQueue(ctx context.Context, queue string, handler Handler, sem chan struct{}, inflight *sync.WaitGroup) {
	for {
		select {
		case sem <- struct{}{}:
		default:
			return // all slots busy
		}

		job, err := p.store.ClaimOne(ctx, queue, time.Now())
		if err != nil {
			<-sem
			p.logger.WithError(err).WithField("queue", queue).Warn("Job claim failed")
			return
		}
		if job == nil {
			<-sem
			return // nothing claimable right now
		}

		inflight.Add(1)
		go func(job *models.Job) {
			defer inflight.Done()
			defer func() { <-sem }()
			p.executor.Execute(ctx, job, handler)
		}(job)
	}
}
