package models

import (
	"time"

	"github.com/dealwatch/internal/types"
)

// ScheduleState represents the durable schedule row for one (jobType,
// providerAddress) pair. ProviderAddress is empty for global job types.
type ScheduleState struct {
	JobType         types.JobType `json:"jobType" db:"job_type"`
	ProviderAddress string        `json:"providerAddress" db:"provider_address"`
	IntervalSeconds int           `json:"intervalSeconds" db:"interval_seconds"`
	NextRunAt       time.Time     `json:"nextRunAt" db:"next_run_at"`
	LastRunAt       *time.Time    `json:"lastRunAt,omitempty" db:"last_run_at"`
	Paused          bool          `json:"paused" db:"paused"`
	CreatedAt       time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time     `json:"updatedAt" db:"updated_at"`
}

// Interval returns the schedule interval as a duration.
func (s *ScheduleState) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Due reports whether the schedule is due at the given instant. Paused
// schedules are never due.
func (s *ScheduleState) Due(now time.Time) bool {
	return !s.Paused && !s.NextRunAt.After(now)
}
