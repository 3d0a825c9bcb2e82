package orchestrator_test

import (
	"context"
	"sync"
	"sync/atomic"

	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/store"
)

type mockPlanner struct {
	fn        func(ctx context.Context, job *model.Job) (*model.Plan, error)
	callCount atomic.Int32
}

func (m *mockPlanner) Plan(ctx context.Context, job *model.Job) (*model.Plan, error) {
	m.callCount.Add(1)
	return m.fn(ctx, job)
}

type mockWorker struct {
	fn func(ctx context.Context, job *model.Job, task model.TaskSpec) (*model.TaskResult, error)

	mu    sync.Mutex
	calls []string
}

func (m *mockWorker) Run(ctx context.Context, job *model.Job, task model.TaskSpec) (*model.TaskResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, task.ID)
	m.mu.Unlock()
	return m.fn(ctx, job, task)
}

func (m *mockWorker) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// countingStores counts progress writes made outside the finalizing transaction.
type countingStores struct {
	*store.Memory
	progressWrites atomic.Int32
}

func (c *countingStores) Statuses() store.StatusStore {
	return countingStatuses{StatusStore: c.Memory.Statuses(), writes: &c.progressWrites}
}

type countingStatuses struct {
	store.StatusStore
	writes *atomic.Int32
}

func (c countingStatuses) UpdateProgress(ctx context.Context, jobID int64, progress int, step string, tokenUsage int, workers []model.TaskProgress) error {
	c.writes.Add(1)
	return c.StatusStore.UpdateProgress(ctx, jobID, progress, step, tokenUsage, workers)
}

type recordingPublisher struct {
	mu      sync.Mutex
	entries []model.StatusLog
}

func (p *recordingPublisher) Publish(_ context.Context, _ int64, _ int, entry model.StatusLog) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, entry)
	return nil
}

func (p *recordingPublisher) Messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.Message)
	}
	return out
}

func findings(title, file string, sev model.Severity) model.Findings {
	return model.Findings{Issues: []model.Issue{{Title: title, FilePath: file, Severity: sev}}}
}

func planOf(ids ...string) *model.Plan {
	tasks := make([]model.TaskSpec, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, model.TaskSpec{ID: id, Role: "security", Instruction: "review " + id})
	}
	return &model.Plan{Tasks: tasks}
}
