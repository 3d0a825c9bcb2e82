package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"basegraph.app/conductor/core/db"
	"basegraph.app/conductor/internal/model"
)

const jobColumns = `id, tenant_id, tier, status, scheduled_at, worker_id, input_data, output_data,
	error, error_stack, attempts, started_at, finished_at, created_at, updated_at`

type jobStore struct {
	q db.Querier
}

func newJobStore(q db.Querier) JobStore {
	return &jobStore{q: q}
}

func (s *jobStore) Create(ctx context.Context, job *model.Job) (*model.Job, error) {
	input, err := json.Marshal(job.Input)
	if err != nil {
		return nil, fmt.Errorf("marshaling job input: %w", err)
	}

	scheduledAt := job.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now()
	}

	row := s.q.QueryRow(ctx, `
		INSERT INTO jobs (id, tenant_id, tier, status, scheduled_at, input_data)
		VALUES ($1, $2, $3, 'pending', $4, $5)
		RETURNING `+jobColumns,
		job.ID, job.TenantID, job.Tier, scheduledAt, input)

	return scanJob(row)
}

func (s *jobStore) GetByID(ctx context.Context, id int64) (*model.Job, error) {
	row := s.q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// AcquireJobsBatch claims with one UPDATE over a SKIP LOCKED subselect, so rows locked
// by a concurrent claimer are passed over instead of double-claimed.
func (s *jobStore) AcquireJobsBatch(ctx context.Context, workerID string, batchSize int) ([]model.Job, error) {
	rows, err := s.q.Query(ctx, `
		UPDATE jobs
		SET status = 'processing',
			worker_id = $1,
			attempts = attempts + 1,
			started_at = now(),
			updated_at = now()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending' AND scheduled_at <= now()
			ORDER BY scheduled_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		workerID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("acquiring jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]model.Job, 0, batchSize)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *jobStore) CountProcessing(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE status = 'processing'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting processing jobs: %w", err)
	}
	return n, nil
}

func (s *jobStore) CompleteJob(ctx context.Context, jobID int64, workerID string, output *model.Report) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	tag, err := s.q.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', output_data = $2, error = NULL, error_stack = NULL,
			finished_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing' AND worker_id = $3`,
		jobID, data, workerID)
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotProcessing
	}
	return nil
}

func (s *jobStore) FailJob(ctx context.Context, jobID int64, workerID, errMsg, stack string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', error = $2, error_stack = $3, finished_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing' AND worker_id = $4`,
		jobID, errMsg, stack, workerID)
	if err != nil {
		return fmt.Errorf("failing job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotProcessing
	}
	return nil
}

func (s *jobStore) UpdateJobSchedule(ctx context.Context, jobID int64, workerID string, scheduledAt time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', scheduled_at = $2, worker_id = NULL,
			attempts = GREATEST(attempts - 1, 0), updated_at = now()
		WHERE id = $1 AND status = 'processing' AND worker_id = $3`,
		jobID, scheduledAt, workerID)
	if err != nil {
		return fmt.Errorf("rescheduling job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotProcessing
	}
	return nil
}

func (s *jobStore) Heartbeat(ctx context.Context, jobID int64, workerID string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE jobs SET updated_at = now()
		WHERE id = $1 AND status = 'processing' AND worker_id = $2`,
		jobID, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotProcessing
	}
	return nil
}

func (s *jobStore) ReleaseStale(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	rows, err := s.q.Query(ctx, `
		UPDATE jobs
		SET status = 'pending', worker_id = NULL, updated_at = now()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'processing' AND updated_at < $1
			ORDER BY updated_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("releasing stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		job    model.Job
		input  []byte
		output []byte
	)
	err := row.Scan(
		&job.ID, &job.TenantID, &job.Tier, &job.Status, &job.ScheduledAt, &job.WorkerID,
		&input, &output, &job.Error, &job.ErrorStack, &job.Attempts,
		&job.StartedAt, &job.FinishedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(input) > 0 {
		if err := json.Unmarshal(input, &job.Input); err != nil {
			return nil, fmt.Errorf("decoding input_data for job %d: %w", job.ID, err)
		}
	}
	if len(output) > 0 && string(output) != "null" {
		job.Output = &model.Report{}
		if err := json.Unmarshal(output, job.Output); err != nil {
			return nil, fmt.Errorf("decoding output_data for job %d: %w", job.ID, err)
		}
	}
	return &job, nil
}
