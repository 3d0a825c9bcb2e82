package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"basegraph.app/conductor/common/logger"
	"basegraph.app/conductor/internal/codehost"
	"basegraph.app/conductor/internal/model"
)

// TaskOutcome is one task's contribution to aggregation, either fresh or restored
// from a persisted progress record.
type TaskOutcome struct {
	TaskID     string
	Role       string
	Findings   model.Findings
	TokenUsage int
	ByteCost   int64
	// Err is set when the task failed. A failed task still contributes an error finding.
	Err      string
	Progress model.TaskProgress

	cause error
}

func (t TaskOutcome) Failed() bool {
	return t.Err != ""
}

// progressTracker throttles status writes to every Nth completion.
type progressTracker struct {
	mu        sync.Mutex
	total     int
	completed int
	tokens    int
	records   map[string]model.TaskProgress
}

func (p *progressTracker) done(outcome TaskOutcome, every int) (report bool, progress, tokens int, records []model.TaskProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.completed++
	p.tokens += outcome.TokenUsage
	p.records[outcome.TaskID] = stripOutput(outcome.Progress)

	if p.completed%every != 0 {
		return false, 0, 0, nil
	}

	records = make([]model.TaskProgress, 0, len(p.records))
	for _, r := range p.records {
		records = append(records, r)
	}
	slices.SortFunc(records, func(a, b model.TaskProgress) int { return cmp.Compare(a.TaskID, b.TaskID) })
	return true, percent(p.completed, p.total), p.tokens, records
}

func percent(completed, total int) int {
	if total == 0 {
		return runProgress
	}
	return planProgress + (runProgress-planProgress)*completed/total
}

func (o *Orchestrator) runTasks(ctx context.Context, job *model.Job, plan *model.Plan) ([]TaskOutcome, error) {
	existing, err := o.stores.TaskProgress().ListByJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("loading task progress: %w", err)
	}
	cached := make(map[string]model.TaskProgress, len(existing))
	for _, p := range existing {
		cached[p.TaskID] = p
	}

	outcomes := make([]TaskOutcome, len(plan.Tasks))
	tracker := &progressTracker{total: len(plan.Tasks), records: make(map[string]model.TaskProgress)}

	var pending []int
	for i, task := range plan.Tasks {
		p, ok := cached[task.ID]
		if !ok || !p.Skippable() {
			pending = append(pending, i)
			continue
		}
		outcomes[i] = TaskOutcome{
			TaskID:     task.ID,
			Role:       task.Role,
			Findings:   *p.Output,
			TokenUsage: p.TokenUsage,
			ByteCost:   p.ByteCost,
			Progress:   p,
		}
		tracker.completed++
		tracker.tokens += p.TokenUsage
		tracker.records[task.ID] = stripOutput(p)
	}

	if skipped := len(plan.Tasks) - len(pending); skipped > 0 {
		slog.InfoContext(ctx, "resuming job from persisted task results",
			"skipped_tasks", skipped,
			"pending_tasks", len(pending))
		o.logStatus(ctx, job.ID, percent(skipped, len(plan.Tasks)), model.LogLevelInfo,
			fmt.Sprintf("Resuming: %d of %d tasks already complete", skipped, len(plan.Tasks)))
	}

	sem := make(chan struct{}, o.cfg.PoolWidth)
	var wg sync.WaitGroup

launch:
	for _, i := range pending {
		select {
		case <-ctx.Done():
			break launch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := o.runTask(ctx, job, plan.Tasks[i])
			outcomes[i] = outcome

			if report, progress, tokens, records := tracker.done(outcome, o.cfg.ProgressEvery); report {
				o.reportProgress(ctx, job.ID, progress, tokens+plan.TokenUsage, records)
			}
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("task execution interrupted: %w", err)
	}

	for _, outcome := range outcomes {
		if errors.Is(outcome.cause, codehost.ErrCredentialRefresh) {
			return nil, fmt.Errorf("task %s: %w", outcome.TaskID, outcome.cause)
		}
	}
	return outcomes, nil
}

func (o *Orchestrator) reportProgress(ctx context.Context, jobID int64, progress, tokens int, records []model.TaskProgress) {
	step := fmt.Sprintf("running tasks (%d%%)", progress)
	if err := o.stores.Statuses().UpdateProgress(ctx, jobID, progress, step, tokens, records); err != nil {
		slog.WarnContext(ctx, "failed to update progress", "error", err)
	}
	if err := o.stores.Jobs().Heartbeat(ctx, jobID, o.workerID); err != nil {
		slog.WarnContext(ctx, "heartbeat failed", "error", err)
	}
}

func (o *Orchestrator) runTask(ctx context.Context, job *model.Job, task model.TaskSpec) TaskOutcome {
	ctx = logger.WithLogFields(ctx, logger.LogFields{TaskID: &task.ID})

	progress := model.TaskProgress{
		JobID:     job.ID,
		TaskID:    task.ID,
		Role:      task.Role,
		Status:    model.TaskStatusRunning,
		StartedAt: o.now(),
	}
	if err := o.stores.TaskProgress().Upsert(ctx, &progress); err != nil {
		slog.WarnContext(ctx, "failed to record task start", "error", err)
	}

	result, err := o.runWorker(ctx, job, task)
	finished := o.now()
	progress.FinishedAt = &finished

	if err != nil {
		msg := err.Error()
		progress.Status = model.TaskStatusFailed
		progress.Error = &msg
		if perr := o.stores.TaskProgress().Upsert(ctx, &progress); perr != nil {
			slog.WarnContext(ctx, "failed to record task failure", "error", perr)
		}
		slog.WarnContext(ctx, "task failed", "role", task.Role, "error", err)
		return TaskOutcome{
			TaskID:   task.ID,
			Role:     task.Role,
			Findings: model.Findings{Error: msg},
			Err:      msg,
			Progress: progress,
			cause:    err,
		}
	}

	findings := result.Findings
	progress.Status = model.TaskStatusCompleted
	progress.TokenUsage = result.TokenUsage
	progress.ByteCost = result.ByteCost
	progress.Output = &findings
	progress.HasOutput = true
	if err := o.stores.TaskProgress().Upsert(ctx, &progress); err != nil {
		slog.WarnContext(ctx, "task result not persisted, it will rerun on resume", "error", err)
	}

	slog.DebugContext(ctx, "task completed",
		"role", task.Role,
		"issue_count", len(findings.Issues),
		"token_usage", result.TokenUsage,
		"duration_ms", finished.Sub(progress.StartedAt).Milliseconds())

	return TaskOutcome{
		TaskID:     task.ID,
		Role:       task.Role,
		Findings:   findings,
		TokenUsage: result.TokenUsage,
		ByteCost:   result.ByteCost,
		Progress:   progress,
	}
}

func (o *Orchestrator) runWorker(ctx context.Context, job *model.Job, task model.TaskSpec) (result *model.TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in task", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	result, err = o.worker.Run(ctx, job, task)
	if err == nil && result == nil {
		err = errors.New("worker returned no result")
	}
	return result, err
}

func stripOutput(p model.TaskProgress) model.TaskProgress {
	p.Output = nil
	return p
}

func progressRecords(outcomes []TaskOutcome) []model.TaskProgress {
	records := make([]model.TaskProgress, 0, len(outcomes))
	for _, o := range outcomes {
		records = append(records, stripOutput(o.Progress))
	}
	return records
}
