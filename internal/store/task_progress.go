package store

import (
	"context"
	"encoding/json"
	"fmt"

	"basegraph.app/conductor/core/db"
	"basegraph.app/conductor/internal/model"
)

type taskProgressStore struct {
	q db.Querier
}

func newTaskProgressStore(q db.Querier) TaskProgressStore {
	return &taskProgressStore{q: q}
}

func (s *taskProgressStore) ListByJob(ctx context.Context, jobID int64) ([]model.TaskProgress, error) {
	rows, err := s.q.Query(ctx, `
		SELECT job_id, task_id, role, status, started_at, finished_at, token_usage, byte_cost, output, has_output, error
		FROM task_progress WHERE job_id = $1 ORDER BY task_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing task progress: %w", err)
	}
	defer rows.Close()

	var out []model.TaskProgress
	for rows.Next() {
		var (
			p      model.TaskProgress
			output []byte
		)
		if err := rows.Scan(&p.JobID, &p.TaskID, &p.Role, &p.Status, &p.StartedAt, &p.FinishedAt,
			&p.TokenUsage, &p.ByteCost, &output, &p.HasOutput, &p.Error); err != nil {
			return nil, err
		}
		if len(output) > 0 && string(output) != "null" {
			p.Output = &model.Findings{}
			if err := json.Unmarshal(output, p.Output); err != nil {
				return nil, fmt.Errorf("decoding output for task %s: %w", p.TaskID, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Upsert writes the output and has_output flag in the same statement as the status so a
// completed row without its payload is never observable.
func (s *taskProgressStore) Upsert(ctx context.Context, p *model.TaskProgress) error {
	var output []byte
	if p.Output != nil {
		data, err := json.Marshal(p.Output)
		if err != nil {
			return fmt.Errorf("marshaling task output: %w", err)
		}
		output = data
	}

	_, err := s.q.Exec(ctx, `
		INSERT INTO task_progress (job_id, task_id, role, status, started_at, finished_at,
			token_usage, byte_cost, output, has_output, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (job_id, task_id) DO UPDATE SET
			role = EXCLUDED.role,
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			token_usage = EXCLUDED.token_usage,
			byte_cost = EXCLUDED.byte_cost,
			output = EXCLUDED.output,
			has_output = EXCLUDED.has_output,
			error = EXCLUDED.error`,
		p.JobID, p.TaskID, p.Role, p.Status, p.StartedAt, p.FinishedAt,
		p.TokenUsage, p.ByteCost, output, p.HasOutput && output != nil, p.Error)
	if err != nil {
		return fmt.Errorf("upserting task progress: %w", err)
	}
	return nil
}
