package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBudget(t *testing.T, limit int, window time.Duration) (*Budget, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	budget, err := NewBudget(&BudgetConfig{
		Redis:             client,
		Name:              "test",
		RequestsPerWindow: limit,
		Window:            window,
	})
	require.NoError(t, err)
	return budget, mr
}

func TestBudgetAllowsWithinLimit(t *testing.T) {
	budget, _ := newTestBudget(t, 3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := budget.Allow(ctx, 1)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be allowed", i+1)
	}

	allowed, err := budget.Allow(ctx, 1)
	require.NoError(t, err)
	assert.False(t, allowed, "request beyond the window limit should be denied")
}

func TestBudgetCountsCost(t *testing.T) {
	budget, _ := newTestBudget(t, 10, time.Hour)
	ctx := context.Background()

	allowed, err := budget.Allow(ctx, 7)
	require.NoError(t, err)
	assert.True(t, allowed, "cost 7 of 10 should be allowed")

	allowed, err = budget.Allow(ctx, 4)
	require.NoError(t, err)
	assert.False(t, allowed, "cost that would overshoot the limit should be denied")

	allowed, err = budget.Allow(ctx, 3)
	require.NoError(t, err)
	assert.True(t, allowed, "cost that exactly fills the limit should be allowed")

	used, err := budget.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, used)
}

func TestBudgetZeroCostIsFree(t *testing.T) {
	budget, _ := newTestBudget(t, 1, time.Hour)
	ctx := context.Background()

	allowed, err := budget.Allow(ctx, 1)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = budget.Allow(ctx, 0)
	require.NoError(t, err)
	assert.True(t, allowed, "zero cost should always be allowed")
}

func TestBudgetResetsAtWindowBoundary(t *testing.T) {
	window := 50 * time.Millisecond
	budget, _ := newTestBudget(t, 1, window)
	ctx := context.Background()

	allowed, err := budget.Allow(ctx, 1)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = budget.Allow(ctx, 1)
	require.NoError(t, err)
	require.False(t, allowed, "second request in the same window should be denied")

	time.Sleep(window + 10*time.Millisecond)

	allowed, err = budget.Allow(ctx, 1)
	require.NoError(t, err)
	assert.True(t, allowed, "request in the next window should be allowed")
}

func TestWaitBlocksUntilWindowTurns(t *testing.T) {
	window := 50 * time.Millisecond
	budget, _ := newTestBudget(t, 1, window)
	ctx := context.Background()

	require.NoError(t, budget.Wait(ctx, 1))

	start := time.Now()
	require.NoError(t, budget.Wait(ctx, 1))
	assert.Less(t, time.Since(start), 5*window, "Wait should block roughly one window")
}

func TestWaitHonorsContext(t *testing.T) {
	budget, _ := newTestBudget(t, 1, time.Hour)

	require.NoError(t, budget.Wait(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := budget.Wait(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBudgetFailsOpenOnRedisOutage(t *testing.T) {
	budget, mr := newTestBudget(t, 1, time.Hour)
	mr.Close()

	allowed, err := budget.Allow(context.Background(), 1)
	assert.Error(t, err, "Allow should surface the Redis error")
	assert.True(t, allowed, "Allow should fail open when Redis is unreachable")

	assert.NoError(t, budget.Wait(context.Background(), 1), "Wait should fail open")
}

func TestNewBudgetValidation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tests := []struct {
		name string
		cfg  *BudgetConfig
	}{
		{"nil config", nil},
		{"missing redis client", &BudgetConfig{Name: "x"}},
		{"missing name", &BudgetConfig{Redis: client}},
		{"negative limit", &BudgetConfig{Redis: client, Name: "x", RequestsPerWindow: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBudget(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestNewBudgetDefaults(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	budget, err := NewBudget(&BudgetConfig{Redis: client, Name: "defaults"})
	require.NoError(t, err)
	assert.Equal(t, DefaultRequestsPerWindow, budget.limit)
	assert.Equal(t, DefaultWindow, budget.window)
	assert.Equal(t, DefaultKeyTTL, budget.keyTTL)
}
