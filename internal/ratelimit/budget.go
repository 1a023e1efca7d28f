// Package ratelimit provides a Redis-coordinated request budget shared
// across worker replicas. A per-process rate limiter cannot see requests
// made by other replicas; the budget counts them all in one place so the
// fleet as a whole stays under the target rate.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultRequestsPerWindow = 10
	DefaultWindow            = time.Second
	DefaultKeyTTL            = 2 * time.Second // window + buffer
)

// KeyPrefix namespaces budget counters in Redis.
const KeyPrefix = "dealwatch:budget:"

// Budget is a fixed-window request budget backed by a shared Redis counter.
// Every replica increments the same per-window key, so the combined request
// rate across the fleet stays within the configured budget.
type Budget struct {
	redis  redis.Cmdable
	name   string
	limit  int
	window time.Duration
	keyTTL time.Duration
}

// BudgetConfig holds configuration for a shared budget.
type BudgetConfig struct {
	// Redis is the client used for cross-replica coordination. Required.
	Redis redis.Cmdable

	// Name distinguishes independent budgets, e.g. "ipni" or "chain".
	Name string

	// RequestsPerWindow is the fleet-wide request cap per window.
	// Default: 10.
	RequestsPerWindow int

	// Window is the counting window. Default: 1s.
	Window time.Duration

	// KeyTTL is the TTL on window counter keys. Must cover at least one
	// window. Default: 2s.
	KeyTTL time.Duration
}

// consumeScript atomically checks and increments the window counter so
// concurrent replicas cannot overshoot the budget.
var consumeScript = redis.NewScript(`
	local key = KEYS[1]
	local cost = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])
	local ttl = tonumber(ARGV[3])

	local used = tonumber(redis.call('GET', key) or '0')
	if used + cost > limit then
		return 0
	end
	redis.call('INCRBY', key, cost)
	redis.call('PEXPIRE', key, ttl)
	return 1
`)

// NewBudget creates a shared request budget.
func NewBudget(cfg *BudgetConfig) (*Budget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Name == "" {
		return nil, errors.New("budget name is required")
	}
	if cfg.RequestsPerWindow < 0 {
		return nil, fmt.Errorf("requests per window cannot be negative, got %d", cfg.RequestsPerWindow)
	}

	limit := cfg.RequestsPerWindow
	if limit == 0 {
		limit = DefaultRequestsPerWindow
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	keyTTL := cfg.KeyTTL
	if keyTTL < window {
		keyTTL = DefaultKeyTTL
		if keyTTL < window {
			keyTTL = 2 * window
		}
	}

	return &Budget{
		redis:  cfg.Redis,
		name:   cfg.Name,
		limit:  limit,
		window: window,
		keyTTL: keyTTL,
	}, nil
}

// key returns the counter key for the window containing now.
func (b *Budget) key(now time.Time) string {
	windowStart := now.Truncate(b.window)
	return KeyPrefix + b.name + ":" + strconv.FormatInt(windowStart.UnixMilli(), 10)
}

// Allow attempts to consume cost requests from the current window. It
// returns false when the window budget is exhausted. A Redis failure does
// not block the caller; the budget fails open and reports the error.
func (b *Budget) Allow(ctx context.Context, cost int) (bool, error) {
	if cost <= 0 {
		return true, nil
	}

	allowed, err := consumeScript.Run(ctx, b.redis,
		[]string{b.key(time.Now())},
		cost, b.limit, b.keyTTL.Milliseconds(),
	).Int()
	if err != nil {
		return true, fmt.Errorf("budget check failed: %w", err)
	}
	return allowed == 1, nil
}

// Wait blocks until cost requests fit in the budget or the context ends.
// Exhausted windows are retried at the next window boundary.
func (b *Budget) Wait(ctx context.Context, cost int) error {
	for {
		allowed, err := b.Allow(ctx, cost)
		if err != nil {
			// Fail open: a coordination outage should degrade to
			// per-process limiting, not stall the fleet.
			return nil
		}
		if allowed {
			return nil
		}

		untilNextWindow := time.Until(time.Now().Truncate(b.window).Add(b.window))
		timer := time.NewTimer(untilNextWindow)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Usage returns the number of requests consumed in the current window.
func (b *Budget) Usage(ctx context.Context) (int, error) {
	val, err := b.redis.Get(ctx, b.key(time.Now())).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget usage read failed: %w", err)
	}
	used, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("budget counter corrupted: %w", err)
	}
	return used, nil
}
