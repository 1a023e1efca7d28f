package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dealwatch/internal/config"
	"github.com/dealwatch/internal/models"
)

const providerCacheKey = "dealwatch:providers:active"

// ErrCacheMiss is returned when a cached value is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// RedisCache wraps the Redis client. Workers read the active provider set
// from here instead of hitting Postgres on every job.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a new Redis cache connection
func NewRedisCache(cfg *config.RedisConfig, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

// NewRedisCacheWithClient wraps an existing client. Used by tests with
// miniredis.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Client exposes the underlying Redis client for components that need raw
// commands, such as the shared request budget.
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Ping checks if Redis is reachable
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// SetActiveProviders caches the active provider set with the configured TTL.
func (r *RedisCache) SetActiveProviders(ctx context.Context, providers []*models.Provider) error {
	data, err := json.Marshal(providers)
	if err != nil {
		return fmt.Errorf("failed to marshal providers: %w", err)
	}
	if err := r.client.Set(ctx, providerCacheKey, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache providers: %w", err)
	}
	return nil
}

// GetActiveProviders returns the cached active provider set, or ErrCacheMiss
// when the cache is empty or expired.
func (r *RedisCache) GetActiveProviders(ctx context.Context) ([]*models.Provider, error) {
	data, err := r.client.Get(ctx, providerCacheKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to read provider cache: %w", err)
	}

	var providers []*models.Provider
	if err := json.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached providers: %w", err)
	}
	return providers, nil
}

// InvalidateProviders drops the cached provider set. Called after a refresh
// job changes the registry.
func (r *RedisCache) InvalidateProviders(ctx context.Context) error {
	return r.client.Del(ctx, providerCacheKey).Err()
}
