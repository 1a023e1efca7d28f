package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/dealwatch/internal/adapter"
	"github.com/dealwatch/internal/config"
	"github.com/dealwatch/internal/logging"
	"github.com/dealwatch/internal/models"
	"github.com/dealwatch/internal/storage"
	"github.com/dealwatch/internal/types"
)

// ProviderRepository persists the provider registry.
type ProviderRepository interface {
	Upsert(ctx context.Context, provider *models.Provider) error
	GetByAddress(ctx context.Context, address string) (*models.Provider, error)
	ListActive(ctx context.Context) ([]*models.Provider, error)
	Deactivate(ctx context.Context, address string) error
}

// ScheduleWriter manages per-provider schedules during registry refresh.
type ScheduleWriter interface {
	CreateIfAbsent(ctx context.Context, state *models.ScheduleState) (bool, error)
	DeleteForProvider(ctx context.Context, provider string) error
}

// ProviderCache caches the active provider set.
type ProviderCache interface {
	SetActiveProviders(ctx context.Context, providers []*models.Provider) error
	GetActiveProviders(ctx context.Context) ([]*models.Provider, error)
	InvalidateProviders(ctx context.Context) error
}

// ProviderService reconciles the local provider registry against the
// network directory and maintains the per-provider schedules that drive
// deal and retrieval testing.
type ProviderService struct {
	providerRepo ProviderRepository
	scheduleRepo ScheduleWriter
	directory    adapter.ProviderDirectory
	cache        ProviderCache
	cfg          config.SchedulerConfig
	logger       *logging.Logger
}

// NewProviderService creates a provider service. cache may be nil, in which
// case reads always hit the registry.
func NewProviderService(
	providerRepo ProviderRepository,
	scheduleRepo ScheduleWriter,
	directory adapter.ProviderDirectory,
	cache ProviderCache,
	cfg config.SchedulerConfig,
	logger *logging.Logger,
) (*ProviderService, error) {
	if providerRepo == nil || scheduleRepo == nil {
		return nil, fmt.Errorf("provider service requires all repositories")
	}
	if directory == nil {
		return nil, fmt.Errorf("provider service requires a provider directory")
	}
	return &ProviderService{
		providerRepo: providerRepo,
		scheduleRepo: scheduleRepo,
		directory:    directory,
		cache:        cache,
		cfg:          cfg,
		logger:       logger,
	}, nil
}

// Refresh reconciles the registry against the directory: new and updated
// providers are upserted and get deal/retrieval schedules; providers the
// directory no longer lists are deactivated and their schedules deleted
// outright rather than paused.
func (s *ProviderService) Refresh(ctx context.Context) error {
	listed, err := s.directory.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list providers from directory: %w", err)
	}

	now := time.Now()
	seen := make(map[string]struct{}, len(listed))
	for _, info := range listed {
		if !info.Active || info.Address == "" {
			continue
		}
		seen[info.Address] = struct{}{}

		provider := &models.Provider{
			Address:     info.Address,
			Name:        info.Name,
			ServiceURL:  info.ServiceURL,
			PayeeWallet: info.PayeeWallet,
			Active:      true,
			FirstSeenAt: now,
			LastSeenAt:  now,
		}
		if err := s.providerRepo.Upsert(ctx, provider); err != nil {
			s.logger.WithError(err).WithField("provider", info.Address).
				Warn("Failed to upsert provider")
			continue
		}
		if err := s.ensureSchedules(ctx, info.Address, now); err != nil {
			s.logger.WithError(err).WithField("provider", info.Address).
				Warn("Failed to ensure provider schedules")
		}
	}

	active, err := s.providerRepo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list registered providers: %w", err)
	}

	removed := 0
	for _, provider := range active {
		if _, ok := seen[provider.Address]; ok {
			continue
		}
		if err := s.providerRepo.Deactivate(ctx, provider.Address); err != nil {
			s.logger.WithError(err).WithField("provider", provider.Address).
				Warn("Failed to deactivate removed provider")
			continue
		}
		if err := s.scheduleRepo.DeleteForProvider(ctx, provider.Address); err != nil {
			s.logger.WithError(err).WithField("provider", provider.Address).
				Warn("Failed to delete schedules for removed provider")
		}
		removed++
	}

	if s.cache != nil {
		if err := s.cache.InvalidateProviders(ctx); err != nil {
			s.logger.WithError(err).Warn("Failed to invalidate provider cache")
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"listed":  len(listed),
		"tracked": len(seen),
		"removed": removed,
	}).Info("Provider registry refreshed")
	return nil
}

// ActiveProviders returns the active provider set, from cache when
// available. A cache miss or error falls back to the registry and
// repopulates the cache.
func (s *ProviderService) ActiveProviders(ctx context.Context) ([]*models.Provider, error) {
	if s.cache != nil {
		providers, err := s.cache.GetActiveProviders(ctx)
		if err == nil {
			return providers, nil
		}
		if !stderrors.Is(err, storage.ErrCacheMiss) {
			s.logger.WithError(err).Warn("Provider cache read failed")
		}
	}

	providers, err := s.providerRepo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active providers: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetActiveProviders(ctx, providers); err != nil {
			s.logger.WithError(err).Warn("Provider cache write failed")
		}
	}
	return providers, nil
}

// ensureSchedules creates the deal and retrieval schedules for a provider
// if they do not already exist. Existing rows, paused ones included, are
// left untouched. The first NextRunAt is offset by the configured phase
// plus a per-provider spread so deployments and providers do not fire in
// lockstep.
func (s *ProviderService) ensureSchedules(ctx context.Context, address string, now time.Time) error {
	plans := []struct {
		jobType  types.JobType
		interval time.Duration
	}{
		{types.JobTypeDeal, s.cfg.DealInterval},
		{types.JobTypeRetrieval, s.cfg.RetrievalInterval},
	}

	for _, plan := range plans {
		state := &models.ScheduleState{
			JobType:         plan.jobType,
			ProviderAddress: address,
			IntervalSeconds: int(plan.interval / time.Second),
			NextRunAt:       now.Add(s.cfg.SchedulePhase + providerSpread(address, plan.interval)),
		}
		created, err := s.scheduleRepo.CreateIfAbsent(ctx, state)
		if err != nil {
			return fmt.Errorf("failed to create %s schedule: %w", plan.jobType, err)
		}
		if created {
			s.logger.WithFields(map[string]interface{}{
				"provider": address,
				"job_type": string(plan.jobType),
			}).Info("Created provider schedule")
		}
	}
	return nil
}

// providerSpread deterministically spreads first runs across the interval
// so a refresh that registers many providers at once does not schedule them
// all for the same instant.
func providerSpread(address string, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(address))
	return time.Duration(uint64(h.Sum32()) % uint64(interval))
}
