// Package scheduler decides whether a job may spend code-host quota now.
//
// Ordering policy: when several jobs compete for one account's remaining quota,
// smaller and older jobs go first (priority = min(age_hours, 24) + size bonus). This
// favors throughput over strict FIFO. A large job can be overtaken by small ones for
// up to a day before age alone ranks it ahead.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"time"

	"basegraph.app/conductor/core/config"
	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/store"
)

const (
	DefaultBuffer   = 100
	DefaultCapacity = 5000
	// DefaultBatchSize matches the code-host clients, which read one file per request.
	DefaultBatchSize = 1
	// ListPageSize is how many tree entries one listing request returns.
	ListPageSize = 100
	// MaxListedFiles is where repository listing stops.
	MaxListedFiles = 2000

	maxAgeBonusHours = 24
	// coldDeferral is used when a job must wait but no reset time is known.
	coldDeferral = 5 * time.Minute
)

// Decision is the outcome of an admission check.
type Decision struct {
	CanProcess           bool       `json:"can_process"`
	AvailableCapacity    int        `json:"available_capacity"`
	WaitUntil            *time.Time `json:"wait_until,omitempty"`
	EstimatedWaitMinutes *int       `json:"estimated_wait_minutes,omitempty"`
}

// CostOptions are the optional sub-resources a job fetches, each costing one call.
type CostOptions struct {
	IncludeIssues        bool
	IncludeMergeRequests bool
	IncludeCommits       bool
	// ListsTree is set when the job discovers its files by listing the repository
	// rather than submitting them.
	ListsTree bool
	// BatchSize is the number of files fetched per call. Zero means DefaultBatchSize.
	BatchSize int
}

func CostOptionsFor(input model.JobInput, batchSize int) CostOptions {
	return CostOptions{
		IncludeIssues:        input.IncludeIssues,
		IncludeMergeRequests: input.IncludeMergeRequests,
		IncludeCommits:       input.IncludeCommits,
		ListsTree:            len(input.Files) == 0,
		BatchSize:            batchSize,
	}
}

// EstimateCost is the number of remote calls a job needs: one for metadata or the first
// listing page, one per further listing page, one per optional sub-resource, and one per
// batch of file contents.
func EstimateCost(fileCount int, opts CostOptions) int {
	calls := 1
	if opts.ListsTree && fileCount > ListPageSize {
		listed := min(fileCount, MaxListedFiles)
		calls += (listed+ListPageSize-1)/ListPageSize - 1
	}
	for _, include := range []bool{opts.IncludeIssues, opts.IncludeMergeRequests, opts.IncludeCommits} {
		if include {
			calls++
		}
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if fileCount > 0 {
		calls += (fileCount + batch - 1) / batch
	}
	return calls
}

// SizeBonus is the flat priority bonus given to small jobs.
func SizeBonus(fileCount int) float64 {
	switch {
	case fileCount < 100:
		return 10
	case fileCount < 500:
		return 5
	case fileCount < 1000:
		return 2
	default:
		return 0
	}
}

// Priority ranks a job for admission. Higher runs first.
func Priority(job *model.Job, now time.Time) float64 {
	return math.Min(job.AgeHours(now), maxAgeBonusHours) + SizeBonus(job.Input.FileCount)
}

type Scheduler struct {
	quotas store.QuotaStore
	cfg    config.SchedulerConfig
	now    func() time.Time
}

func New(quotas store.QuotaStore, cfg config.SchedulerConfig) *Scheduler {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if cfg.DefaultCapacity <= 0 {
		cfg.DefaultCapacity = DefaultCapacity
	}
	if cfg.FetchBatchSize <= 0 {
		cfg.FetchBatchSize = DefaultBatchSize
	}
	return &Scheduler{quotas: quotas, cfg: cfg, now: time.Now}
}

// WithClock overrides the time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// JobCost estimates the calls a job will make using the configured batch size.
func (s *Scheduler) JobCost(job *model.Job) int {
	return EstimateCost(job.Input.FileCount, CostOptionsFor(job.Input, s.cfg.FetchBatchSize))
}

// window is the capacity view of one account for a single decision or selection pass.
type window struct {
	available int
	resetAt   *time.Time
}

func (s *Scheduler) window(ctx context.Context, accountID string, buffer int) window {
	state, err := s.quotas.Get(ctx, accountID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.WarnContext(ctx, "quota lookup failed, assuming default capacity",
				"account_id", accountID, "error", err)
		}
		return window{available: s.cfg.DefaultCapacity - buffer}
	}

	now := s.now()
	if state.WindowReset(now) {
		limit := state.Limit
		if limit <= 0 {
			limit = s.cfg.DefaultCapacity
		}
		return window{available: limit - buffer}
	}

	resetAt := state.ResetAt
	return window{available: state.Remaining - buffer, resetAt: &resetAt}
}

func (s *Scheduler) decide(w window, estimatedCalls int) Decision {
	estimatedCalls = max(estimatedCalls, 0)
	if w.available >= estimatedCalls {
		return Decision{CanProcess: true, AvailableCapacity: w.available}
	}

	waitUntil := s.now().Add(coldDeferral)
	if w.resetAt != nil {
		waitUntil = *w.resetAt
	}
	minutes := int(math.Ceil(waitUntil.Sub(s.now()).Minutes()))
	minutes = max(minutes, 0)
	return Decision{
		CanProcess:           false,
		AvailableCapacity:    max(w.available, 0),
		WaitUntil:            &waitUntil,
		EstimatedWaitMinutes: &minutes,
	}
}

// CanAdmit checks whether estimatedCalls fit in the account's remaining quota after
// keeping the configured buffer in reserve.
func (s *Scheduler) CanAdmit(ctx context.Context, accountID string, estimatedCalls int) Decision {
	return s.CanAdmitWithBuffer(ctx, accountID, estimatedCalls, s.cfg.Buffer)
}

// CanAdmitWithBuffer is CanAdmit with an explicit reserve. Zero keeps nothing back;
// a negative buffer is treated as zero.
func (s *Scheduler) CanAdmitWithBuffer(ctx context.Context, accountID string, estimatedCalls, buffer int) Decision {
	return s.decide(s.window(ctx, accountID, max(buffer, 0)), estimatedCalls)
}

// Candidate is an admitted job with its score.
type Candidate struct {
	Job      model.Job
	Cost     int
	Priority float64
}

// Deferral is a job that must go back to pending until WaitUntil.
type Deferral struct {
	Job       model.Job
	Cost      int
	WaitUntil time.Time
}

type Selection struct {
	Admitted []Candidate
	Deferred []Deferral
}

// SelectJobs partitions a backlog into jobs that fit their account's quota now and jobs
// to defer. Quota is read once per account, and the capacity admitted jobs will use is
// subtracted as the pass goes so one account's jobs cannot jointly overrun it. Admitted
// jobs are returned highest priority first. Jobs without an account are always admitted.
func (s *Scheduler) SelectJobs(ctx context.Context, jobs []model.Job) Selection {
	now := s.now()

	candidates := make([]Candidate, 0, len(jobs))
	for _, job := range jobs {
		candidates = append(candidates, Candidate{
			Job:      job,
			Cost:     s.JobCost(&job),
			Priority: Priority(&job, now),
		})
	}
	slices.SortStableFunc(candidates, func(a, b Candidate) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := a.Job.CreatedAt.Compare(b.Job.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Job.ID, b.Job.ID)
	})

	windows := make(map[string]*window)
	var selection Selection
	for _, c := range candidates {
		account := c.Job.AccountID()
		if account == "" {
			selection.Admitted = append(selection.Admitted, c)
			continue
		}

		w, ok := windows[account]
		if !ok {
			fresh := s.window(ctx, account, s.cfg.Buffer)
			w = &fresh
			windows[account] = w
		}

		decision := s.decide(*w, c.Cost)
		if decision.CanProcess {
			w.available -= c.Cost
			selection.Admitted = append(selection.Admitted, c)
			continue
		}

		selection.Deferred = append(selection.Deferred, Deferral{
			Job:       c.Job,
			Cost:      c.Cost,
			WaitUntil: *decision.WaitUntil,
		})
	}
	return selection
}
