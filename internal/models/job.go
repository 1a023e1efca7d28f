package models

import (
	"time"

	"github.com/dealwatch/internal/types"
)

// Job represents one enqueued unit of work. Jobs are claimed atomically by
// workers; SingletonKey serializes deal and retrieval jobs for the same
// provider. SlotKey makes enqueue idempotent per scheduled slot.
type Job struct {
	ID              string          `json:"id" db:"id"`
	QueueName       string          `json:"queueName" db:"queue_name"`
	JobType         types.JobType   `json:"jobType" db:"job_type"`
	ProviderAddress string          `json:"providerAddress" db:"provider_address"`
	State           types.JobState  `json:"state" db:"state"`
	RetryCount      int             `json:"retryCount" db:"retry_count"`
	RetryLimit      int             `json:"retryLimit" db:"retry_limit"`
	SingletonKey    *string         `json:"singletonKey,omitempty" db:"singleton_key"`
	SlotKey         *string         `json:"slotKey,omitempty" db:"slot_key"`
	StartAfter      time.Time       `json:"startAfter" db:"start_after"`
	ExpireSeconds   int             `json:"expireSeconds" db:"expire_seconds"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
	StartedAt       *time.Time      `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty" db:"completed_at"`
	Output          *string         `json:"output,omitempty" db:"output"`
}

// RetriesExhausted reports whether another failure would dead-letter the job.
func (j *Job) RetriesExhausted() bool {
	return j.RetryCount >= j.RetryLimit
}
