package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"basegraph.app/conductor/core/db"
	"basegraph.app/conductor/internal/model"
)

type statusStore struct {
	q db.Querier
}

func newStatusStore(q db.Querier) StatusStore {
	return &statusStore{q: q}
}

func (s *statusStore) Get(ctx context.Context, jobID int64) (*model.JobStatusRecord, error) {
	var (
		rec     model.JobStatusRecord
		logs    []byte
		plan    []byte
		workers []byte
	)
	err := s.q.QueryRow(ctx, `
		SELECT job_id, progress, current_step, logs, plan_data, worker_progress, token_usage, updated_at
		FROM job_status WHERE job_id = $1`, jobID).
		Scan(&rec.JobID, &rec.Progress, &rec.CurrentStep, &logs, &plan, &workers, &rec.TokenUsage, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := unmarshalIfSet(logs, &rec.Logs); err != nil {
		return nil, fmt.Errorf("decoding logs: %w", err)
	}
	if len(plan) > 0 && string(plan) != "null" {
		rec.Plan = &model.Plan{}
		if err := json.Unmarshal(plan, rec.Plan); err != nil {
			return nil, fmt.Errorf("decoding plan: %w", err)
		}
	}
	if err := unmarshalIfSet(workers, &rec.WorkerProgress); err != nil {
		return nil, fmt.Errorf("decoding worker progress: %w", err)
	}
	return &rec, nil
}

func (s *statusStore) Upsert(ctx context.Context, rec *model.JobStatusRecord) error {
	logs, err := json.Marshal(nonNil(rec.Logs))
	if err != nil {
		return err
	}
	plan, err := json.Marshal(rec.Plan)
	if err != nil {
		return err
	}
	workers, err := json.Marshal(nonNil(rec.WorkerProgress))
	if err != nil {
		return err
	}

	_, err = s.q.Exec(ctx, `
		INSERT INTO job_status (job_id, progress, current_step, logs, plan_data, worker_progress, token_usage, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (job_id) DO UPDATE SET
			progress = EXCLUDED.progress,
			current_step = EXCLUDED.current_step,
			logs = EXCLUDED.logs,
			plan_data = EXCLUDED.plan_data,
			worker_progress = EXCLUDED.worker_progress,
			token_usage = EXCLUDED.token_usage,
			updated_at = now()`,
		rec.JobID, rec.Progress, rec.CurrentStep, logs, plan, workers, rec.TokenUsage)
	if err != nil {
		return fmt.Errorf("upserting job status: %w", err)
	}
	return nil
}

func (s *statusStore) SavePlan(ctx context.Context, jobID int64, plan *model.Plan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO job_status (job_id, plan_data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (job_id) DO UPDATE SET plan_data = EXCLUDED.plan_data, updated_at = now()`,
		jobID, data)
	if err != nil {
		return fmt.Errorf("saving plan: %w", err)
	}
	return nil
}

func (s *statusStore) AppendLog(ctx context.Context, jobID int64, entry model.StatusLog) error {
	data, err := json.Marshal([]model.StatusLog{entry})
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO job_status (job_id, logs, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (job_id) DO UPDATE SET logs = job_status.logs || EXCLUDED.logs, updated_at = now()`,
		jobID, data)
	if err != nil {
		return fmt.Errorf("appending status log: %w", err)
	}
	return nil
}

func (s *statusStore) UpdateProgress(ctx context.Context, jobID int64, progress int, step string, tokenUsage int, workers []model.TaskProgress) error {
	data, err := json.Marshal(nonNil(workers))
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO job_status (job_id, progress, current_step, token_usage, worker_progress, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (job_id) DO UPDATE SET
			progress = EXCLUDED.progress,
			current_step = EXCLUDED.current_step,
			token_usage = EXCLUDED.token_usage,
			worker_progress = EXCLUDED.worker_progress,
			updated_at = now()`,
		jobID, progress, step, tokenUsage, data)
	if err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}
	return nil
}

func unmarshalIfSet(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
