package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"basegraph.app/conductor/internal/model"
)

// Memory is an in-process implementation of the job, status, task progress and
// credential stores. All of them share one lock, which makes every operation
// (including AcquireJobsBatch) atomic. Used by tests and by local runs without Postgres.
type Memory struct {
	mu          sync.Mutex
	now         func() time.Time
	jobs        map[int64]*model.Job
	statuses    map[int64]*model.JobStatusRecord
	tasks       map[int64]map[string]model.TaskProgress
	credentials map[string]model.Credential
}

func NewMemory() *Memory {
	return &Memory{
		now:         time.Now,
		jobs:        make(map[int64]*model.Job),
		statuses:    make(map[int64]*model.JobStatusRecord),
		tasks:       make(map[int64]map[string]model.TaskProgress),
		credentials: make(map[string]model.Credential),
	}
}

// SetClock overrides the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) Jobs() JobStore                  { return memoryJobs{m} }
func (m *Memory) Statuses() StatusStore           { return memoryStatuses{m} }
func (m *Memory) TaskProgress() TaskProgressStore { return memoryTasks{m} }
func (m *Memory) Credentials() CredentialStore    { return memoryCredentials{m} }

type memoryJobs struct{ m *Memory }

func (s memoryJobs) Create(_ context.Context, job *model.Job) (*model.Job, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	now := s.m.now()
	created := *job
	created.Status = model.JobStatusPending
	if created.ScheduledAt.IsZero() {
		created.ScheduledAt = now
	}
	created.CreatedAt = now
	created.UpdatedAt = now
	s.m.jobs[created.ID] = &created

	out := created
	return &out, nil
}

func (s memoryJobs) GetByID(_ context.Context, id int64) (*model.Job, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	job, ok := s.m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *job
	return &out, nil
}

func (s memoryJobs) AcquireJobsBatch(_ context.Context, workerID string, batchSize int) ([]model.Job, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	now := s.m.now()
	var eligible []*model.Job
	for _, job := range s.m.jobs {
		if job.Status == model.JobStatusPending && !job.ScheduledAt.After(now) {
			eligible = append(eligible, job)
		}
	}
	slices.SortFunc(eligible, func(a, b *model.Job) int {
		if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}

	claimed := make([]model.Job, 0, len(eligible))
	for _, job := range eligible {
		w := workerID
		started := now
		job.Status = model.JobStatusProcessing
		job.WorkerID = &w
		job.Attempts++
		job.StartedAt = &started
		job.UpdatedAt = now
		claimed = append(claimed, *job)
	}
	return claimed, nil
}

func (s memoryJobs) CountProcessing(context.Context) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	n := 0
	for _, job := range s.m.jobs {
		if job.Status == model.JobStatusProcessing {
			n++
		}
	}
	return n, nil
}

// claimed returns the job if it is processing under workerID's claim.
func (s memoryJobs) claimed(jobID int64, workerID string) (*model.Job, error) {
	job, ok := s.m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != model.JobStatusProcessing || job.WorkerID == nil || *job.WorkerID != workerID {
		return nil, ErrNotProcessing
	}
	return job, nil
}

func (s memoryJobs) CompleteJob(_ context.Context, jobID int64, workerID string, output *model.Report) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	job, err := s.claimed(jobID, workerID)
	if err != nil {
		return err
	}
	now := s.m.now()
	job.Status = model.JobStatusCompleted
	job.Output = output
	job.Error = nil
	job.ErrorStack = nil
	job.FinishedAt = &now
	job.UpdatedAt = now
	return nil
}

func (s memoryJobs) FailJob(_ context.Context, jobID int64, workerID, errMsg, stack string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	job, err := s.claimed(jobID, workerID)
	if err != nil {
		return err
	}
	now := s.m.now()
	job.Status = model.JobStatusFailed
	job.Error = &errMsg
	job.ErrorStack = &stack
	job.FinishedAt = &now
	job.UpdatedAt = now
	return nil
}

func (s memoryJobs) UpdateJobSchedule(_ context.Context, jobID int64, workerID string, scheduledAt time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	job, err := s.claimed(jobID, workerID)
	if err != nil {
		return err
	}
	job.Status = model.JobStatusPending
	job.ScheduledAt = scheduledAt
	job.WorkerID = nil
	job.Attempts = max(job.Attempts-1, 0)
	job.UpdatedAt = s.m.now()
	return nil
}

func (s memoryJobs) Heartbeat(_ context.Context, jobID int64, workerID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	job, err := s.claimed(jobID, workerID)
	if err != nil {
		return err
	}
	job.UpdatedAt = s.m.now()
	return nil
}

func (s memoryJobs) ReleaseStale(_ context.Context, cutoff time.Time, limit int) ([]int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	var ids []int64
	for id, job := range s.m.jobs {
		if job.Status == model.JobStatusProcessing && job.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	now := s.m.now()
	for _, id := range ids {
		job := s.m.jobs[id]
		job.Status = model.JobStatusPending
		job.WorkerID = nil
		job.UpdatedAt = now
	}
	return ids, nil
}

type memoryStatuses struct{ m *Memory }

func (s memoryStatuses) record(jobID int64) *model.JobStatusRecord {
	rec, ok := s.m.statuses[jobID]
	if !ok {
		rec = &model.JobStatusRecord{JobID: jobID}
		s.m.statuses[jobID] = rec
	}
	rec.UpdatedAt = s.m.now()
	return rec
}

func (s memoryStatuses) Get(_ context.Context, jobID int64) (*model.JobStatusRecord, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	rec, ok := s.m.statuses[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	out.Logs = slices.Clone(rec.Logs)
	out.WorkerProgress = slices.Clone(rec.WorkerProgress)
	return &out, nil
}

func (s memoryStatuses) Upsert(_ context.Context, rec *model.JobStatusRecord) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	stored := *rec
	stored.Logs = slices.Clone(rec.Logs)
	stored.WorkerProgress = slices.Clone(rec.WorkerProgress)
	stored.UpdatedAt = s.m.now()
	s.m.statuses[rec.JobID] = &stored
	return nil
}

func (s memoryStatuses) SavePlan(_ context.Context, jobID int64, plan *model.Plan) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	p := *plan
	p.Tasks = slices.Clone(plan.Tasks)
	s.record(jobID).Plan = &p
	return nil
}

func (s memoryStatuses) AppendLog(_ context.Context, jobID int64, entry model.StatusLog) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	rec := s.record(jobID)
	rec.Logs = append(rec.Logs, entry)
	return nil
}

func (s memoryStatuses) UpdateProgress(_ context.Context, jobID int64, progress int, step string, tokenUsage int, workers []model.TaskProgress) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	rec := s.record(jobID)
	rec.Progress = progress
	rec.CurrentStep = step
	rec.TokenUsage = tokenUsage
	rec.WorkerProgress = slices.Clone(workers)
	return nil
}

type memoryTasks struct{ m *Memory }

func (s memoryTasks) ListByJob(_ context.Context, jobID int64) ([]model.TaskProgress, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]model.TaskProgress, 0, len(s.m.tasks[jobID]))
	for _, p := range s.m.tasks[jobID] {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b model.TaskProgress) int { return cmp.Compare(a.TaskID, b.TaskID) })
	return out, nil
}

func (s memoryTasks) Upsert(_ context.Context, p *model.TaskProgress) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	byTask, ok := s.m.tasks[p.JobID]
	if !ok {
		byTask = make(map[string]model.TaskProgress)
		s.m.tasks[p.JobID] = byTask
	}
	stored := *p
	stored.HasOutput = p.HasOutput && p.Output != nil
	byTask[p.TaskID] = stored
	return nil
}

type memoryCredentials struct{ m *Memory }

func (s memoryCredentials) Get(_ context.Context, accountID string) (*model.Credential, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	c, ok := s.m.credentials[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s memoryCredentials) Upsert(_ context.Context, c *model.Credential) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	stored := *c
	if prev, ok := s.m.credentials[c.AccountID]; ok {
		if stored.EncryptedRefreshToken == nil {
			stored.EncryptedRefreshToken = prev.EncryptedRefreshToken
		}
		if stored.InstallationID == nil {
			stored.InstallationID = prev.InstallationID
		}
	}
	stored.UpdatedAt = s.m.now()
	s.m.credentials[c.AccountID] = stored
	return nil
}

// WithTx runs fn against the memory stores. There is no rollback; each store call is
// individually atomic.
func (m *Memory) WithTx(_ context.Context, fn func(stores Provider) error) error {
	return fn(m)
}
