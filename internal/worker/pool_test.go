package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dealwatch/internal/models"
	"github.com/dealwatch/internal/types"
)

func newTestPool(t *testing.T, store *fakeJobStore) *Pool {
	t.Helper()
	executor, err := NewExecutor(store, workerConfig(), nil, testLogger())
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	pool, err := NewPool(store, executor, workerConfig(), testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return pool
}

func enqueuedJob(id string, jobType types.JobType, provider string) *models.Job {
	singleton := provider
	return &models.Job{
		ID:              id,
		QueueName:       jobType.QueueName(),
		JobType:         jobType,
		ProviderAddress: provider,
		State:           types.JobStateCreated,
		RetryLimit:      3,
		SingletonKey:    &singleton,
		StartAfter:      time.Now().Add(-time.Second),
	}
}

func TestPoolExecutesClaimedJobs(t *testing.T) {
	store := newFakeJobStore()
	for i := 0; i < 5; i++ {
		store.add(enqueuedJob(string(rune('a'+i)), types.JobTypeDeal, "0xprov"+string(rune('a'+i))))
	}
	pool := newTestPool(t, store)

	var executed int32
	pool.Register(types.JobTypeDeal, func(ctx context.Context, job *models.Job) error {
		atomic.AddInt32(&executed, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&executed) < 5 {
		select {
		case <-deadline:
			t.Fatalf("executed %d jobs before timeout, want 5", atomic.LoadInt32(&executed))
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if len(store.completed) != 5 {
		t.Errorf("completed %d jobs, want 5", len(store.completed))
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	store := newFakeJobStore()
	for i := 0; i < 6; i++ {
		store.add(enqueuedJob(string(rune('a'+i)), types.JobTypeDeal, "0xprov"+string(rune('a'+i))))
	}
	pool := newTestPool(t, store) // LocalConcurrency = 2

	var running, peak int32
	var mu sync.Mutex
	pool.Register(types.JobTypeDeal, func(ctx context.Context, job *models.Job) error {
		n := atomic.AddInt32(&running, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(3 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.completed)
		store.mu.Unlock()
		if n >= 6 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("jobs did not finish in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency %d exceeds the cap of 2", peak)
	}
}

func TestSingletonKeySerializesProviderJobs(t *testing.T) {
	store := newFakeJobStore()
	// Two jobs for the same provider on different queue families sharing
	// the singleton key.
	store.add(enqueuedJob("deal-1", types.JobTypeDeal, "0xsame"))
	store.add(enqueuedJob("retr-1", types.JobTypeRetrieval, "0xsame"))
	pool := newTestPool(t, store)

	var mu sync.Mutex
	activeByProvider := make(map[string]int)
	violated := false

	handler := func(ctx context.Context, job *models.Job) error {
		mu.Lock()
		activeByProvider[job.ProviderAddress]++
		if activeByProvider[job.ProviderAddress] > 1 {
			violated = true
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		activeByProvider[job.ProviderAddress]--
		mu.Unlock()
		return nil
	}
	pool.Register(types.JobTypeDeal, handler)
	pool.Register(types.JobTypeRetrieval, handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(3 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.completed)
		store.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("jobs did not finish in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if violated {
		t.Error("two jobs for the same provider ran concurrently")
	}
}

func TestPoolDefersStartAfterJobs(t *testing.T) {
	store := newFakeJobStore()
	job := enqueuedJob("later", types.JobTypeDeal, "0xprov")
	job.StartAfter = time.Now().Add(time.Hour)
	store.add(job)
	pool := newTestPool(t, store)

	var executed int32
	pool.Register(types.JobTypeDeal, func(ctx context.Context, job *models.Job) error {
		atomic.AddInt32(&executed, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	pool.Run(ctx)

	if atomic.LoadInt32(&executed) != 0 {
		t.Error("a job whose StartAfter has not elapsed must not run")
	}
}
