package store

import (
	"context"
	"errors"
	"time"

	"basegraph.app/conductor/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrNotProcessing is returned when a job transition requires the job to be claimed by
// the caller but it is no longer in processing, or is now held by another worker
// (e.g. reclaimed after going stale and claimed again).
var ErrNotProcessing = errors.New("job is not processing")

// JobStore defines the contract for the job queue table.
type JobStore interface {
	Create(ctx context.Context, job *model.Job) (*model.Job, error)
	GetByID(ctx context.Context, id int64) (*model.Job, error)

	// AcquireJobsBatch claims up to batchSize eligible pending jobs for workerID in a
	// single atomic statement. Concurrent callers never receive the same job.
	AcquireJobsBatch(ctx context.Context, workerID string, batchSize int) ([]model.Job, error)
	CountProcessing(ctx context.Context) (int, error)

	// The transitions below apply only while workerID still holds the claim.
	CompleteJob(ctx context.Context, jobID int64, workerID string, output *model.Report) error
	FailJob(ctx context.Context, jobID int64, workerID, errMsg, stack string) error

	// UpdateJobSchedule returns a claimed job to pending with a new earliest run time.
	// The claim is not counted as an attempt.
	UpdateJobSchedule(ctx context.Context, jobID int64, workerID string, scheduledAt time.Time) error

	// Heartbeat marks a claimed job as still being worked on so it is not released as stale.
	// It returns ErrNotProcessing once the claim has been lost.
	Heartbeat(ctx context.Context, jobID int64, workerID string) error

	// ReleaseStale returns jobs stuck in processing since before cutoff to pending.
	ReleaseStale(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)
}

// StatusStore holds the user-facing progress record, upserted by job id.
type StatusStore interface {
	Get(ctx context.Context, jobID int64) (*model.JobStatusRecord, error)
	Upsert(ctx context.Context, rec *model.JobStatusRecord) error
	SavePlan(ctx context.Context, jobID int64, plan *model.Plan) error
	AppendLog(ctx context.Context, jobID int64, entry model.StatusLog) error
	UpdateProgress(ctx context.Context, jobID int64, progress int, step string, tokenUsage int, workers []model.TaskProgress) error
}

// TaskProgressStore holds one record per (job, task) and is the source of truth for resume.
type TaskProgressStore interface {
	ListByJob(ctx context.Context, jobID int64) ([]model.TaskProgress, error)
	Upsert(ctx context.Context, progress *model.TaskProgress) error
}

type CredentialStore interface {
	Get(ctx context.Context, accountID string) (*model.Credential, error)
	Upsert(ctx context.Context, cred *model.Credential) error
}

// QuotaStore caches per-account rate-limit windows. Writes are last-writer-wins.
type QuotaStore interface {
	Get(ctx context.Context, accountID string) (*model.QuotaState, error)
	Set(ctx context.Context, state model.QuotaState) error
	Delete(ctx context.Context, accountID string) error
}
