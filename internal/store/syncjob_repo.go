// Package store provides the SyncJobRepo interface and model for durable
// background synchronization work (order → accounting system).
package store

import (
	"time"
)

// SyncJobStatus represents the lifecycle state of a sync job.
type SyncJobStatus string

const (
	SyncJobStatusQueued   SyncJobStatus = "queued"
	SyncJobStatusRunning  SyncJobStatus = "running"
	SyncJobStatusDone     SyncJobStatus = "done"
	SyncJobStatusFailed   SyncJobStatus = "failed"
	SyncJobStatusCanceled SyncJobStatus = "canceled"
)

// SyncJob represents a durable background job record. Jobs are retried with
// backoff up to MaxAttempts; terminal failure is recorded on the owning
// record by the handler, never surfaced to the end user.
type SyncJob struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind"`
	RunAt       time.Time     `json:"run_at"`
	PayloadJSON string        `json:"payload_json"`
	Status      SyncJobStatus `json:"status"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	LastError   string        `json:"last_error"`
	LockedAt    *time.Time    `json:"locked_at"`
	DedupeKey   string        `json:"dedupe_key"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// SyncJobRepo defines the interface for durable sync job persistence.
type SyncJobRepo interface {
	// EnqueueSyncJob inserts a new job. If dedupeKey is non-empty and a
	// non-terminal job with that key already exists, the call returns the
	// existing job ID without inserting a duplicate.
	EnqueueSyncJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)

	// ClaimDueSyncJobs marks up to limit queued jobs whose run_at <= now as
	// running and returns them.
	ClaimDueSyncJobs(now time.Time, limit int) ([]SyncJob, error)

	// CompleteSyncJob marks a job as done.
	CompleteSyncJob(id string) error

	// FailSyncJob marks a job as failed, stores the error, and reschedules
	// for retry at nextRunAt if attempt < max_attempts; otherwise marks it
	// permanently failed.
	FailSyncJob(id string, errMsg string, nextRunAt time.Time) error

	// RequeueStaleRunningSyncJobs resets jobs running since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleRunningSyncJobs(staleBefore time.Time) (int, error)

	// GetSyncJob retrieves a single job by ID.
	GetSyncJob(id string) (*SyncJob, error)
}
