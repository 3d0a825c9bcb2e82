package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"basegraph.app/conductor/common/logger"
	"basegraph.app/conductor/core/config"
	"basegraph.app/conductor/internal/codehost"
	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/scheduler"
	"basegraph.app/conductor/internal/store"
)

// Planner turns a job into its task list. It is called at most once per job as long
// as the resulting plan persists.
type Planner interface {
	Plan(ctx context.Context, job *model.Job) (*model.Plan, error)
}

// Worker executes one planned task.
type Worker interface {
	Run(ctx context.Context, job *model.Job, task model.TaskSpec) (*model.TaskResult, error)
}

// Admitter splits claimed jobs into those that fit their quota now and those to defer.
type Admitter interface {
	SelectJobs(ctx context.Context, jobs []model.Job) scheduler.Selection
}

// StatusPublisher mirrors status log lines to live subscribers. Delivery is best-effort.
type StatusPublisher interface {
	Publish(ctx context.Context, jobID int64, progress int, entry model.StatusLog) error
}

type Config struct {
	BatchSize     int
	MaxProcessing int
	// MaxInFlight caps the jobs this process runs at once, independent of the global ceiling.
	MaxInFlight    int
	PoolWidth      int
	ProgressEvery  int
	HeartbeatEvery time.Duration
}

func ConfigFrom(cfg config.OrchestratorConfig) Config {
	return Config{
		BatchSize:      cfg.BatchSize,
		MaxProcessing:  cfg.MaxProcessing,
		MaxInFlight:    cfg.MaxInFlight,
		PoolWidth:      cfg.PoolWidth,
		ProgressEvery:  cfg.ProgressEvery,
		HeartbeatEvery: cfg.StaleAfter / 3,
	}
}

const (
	planProgress = 10
	runProgress  = 90
)

type Orchestrator struct {
	stores    store.Provider
	txRunner  store.TxRunner
	admitter  Admitter
	planner   Planner
	worker    Worker
	publisher StatusPublisher
	workerID  string
	cfg       Config
	now       func() time.Time

	slots    chan struct{}
	freed    chan struct{}
	inFlight sync.WaitGroup
}

type Option func(*Orchestrator)

// WithPublisher mirrors status logs to p in addition to the status store.
func WithPublisher(p StatusPublisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func New(stores store.Provider, txRunner store.TxRunner, admitter Admitter, planner Planner, worker Worker, workerID string, cfg Config, opts ...Option) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.MaxProcessing <= 0 {
		cfg.MaxProcessing = 50
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 2 * cfg.BatchSize
	}
	if cfg.PoolWidth <= 0 {
		cfg.PoolWidth = 5
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 5
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 5 * time.Minute
	}

	o := &Orchestrator{
		stores:   stores,
		txRunner: txRunner,
		admitter: admitter,
		planner:  planner,
		worker:   worker,
		workerID: workerID,
		cfg:      cfg,
		now:      time.Now,
		slots:    make(chan struct{}, cfg.MaxInFlight),
		freed:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) WorkerID() string {
	return o.workerID
}

// MaxProcessing is the global ceiling of jobs in processing across all replicas.
func (o *Orchestrator) MaxProcessing() int {
	return o.cfg.MaxProcessing
}

// Freed receives a value whenever a running job releases its slot.
func (o *Orchestrator) Freed() <-chan struct{} {
	return o.freed
}

// Wait blocks until every job started by RunCycle has finished.
func (o *Orchestrator) Wait() {
	o.inFlight.Wait()
}

// RunCycle claims a batch of jobs, defers the ones their account cannot afford yet,
// and starts the rest in free slots. It returns without waiting for them, so a long
// job never holds up claims for the slots beside it. Nothing is claimed while the
// processing count is at or above the ceiling or while every slot is busy.
func (o *Orchestrator) RunCycle(ctx context.Context) (int, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		WorkerID:  &o.workerID,
		Component: "conductor.orchestrator",
	})

	free := cap(o.slots) - len(o.slots)
	if free <= 0 {
		slog.DebugContext(ctx, "all slots busy, skipping cycle", "max_in_flight", cap(o.slots))
		return 0, nil
	}

	processing, err := o.stores.Jobs().CountProcessing(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting processing jobs: %w", err)
	}
	if processing >= o.cfg.MaxProcessing {
		slog.InfoContext(ctx, "processing ceiling reached, skipping cycle",
			"processing", processing,
			"max_processing", o.cfg.MaxProcessing)
		return 0, nil
	}

	batch := min(o.cfg.BatchSize, o.cfg.MaxProcessing-processing, free)
	jobs, err := o.stores.Jobs().AcquireJobsBatch(ctx, o.workerID, batch)
	if err != nil {
		return 0, fmt.Errorf("acquiring jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	slog.InfoContext(ctx, "acquired jobs", "count", len(jobs), "processing", processing)

	selection := o.admitter.SelectJobs(ctx, jobs)
	for _, d := range selection.Deferred {
		o.deferJob(ctx, d)
	}

	for _, c := range selection.Admitted {
		o.slots <- struct{}{}
		o.inFlight.Add(1)
		go func(job model.Job) {
			defer o.inFlight.Done()
			defer o.release()
			o.processJobSafe(ctx, &job)
		}(c.Job)
	}

	return len(selection.Admitted), nil
}

func (o *Orchestrator) release() {
	<-o.slots
	select {
	case o.freed <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) deferJob(ctx context.Context, d scheduler.Deferral) {
	ctx = jobContext(ctx, &d.Job)

	if err := o.stores.Jobs().UpdateJobSchedule(ctx, d.Job.ID, o.workerID, d.WaitUntil); err != nil {
		slog.ErrorContext(ctx, "failed to defer job", "error", err)
		return
	}

	slog.InfoContext(ctx, "job deferred until quota resets",
		"wait_until", d.WaitUntil,
		"estimated_calls", d.Cost)
	o.logStatus(ctx, d.Job.ID, 0, model.LogLevelInfo,
		fmt.Sprintf("Deferred until %s: account quota cannot cover ~%d calls", d.WaitUntil.UTC().Format(time.RFC3339), d.Cost))
}

func jobContext(ctx context.Context, job *model.Job) context.Context {
	fields := logger.LogFields{JobID: &job.ID, TenantID: &job.TenantID}
	if account := job.AccountID(); account != "" {
		fields.AccountID = &account
	}
	return logger.WithLogFields(ctx, fields)
}

func (o *Orchestrator) processJobSafe(ctx context.Context, job *model.Job) {
	ctx = jobContext(ctx, job)

	var (
		err   error
		stack string
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "panic recovered in job processing", "panic", r)
				err = fmt.Errorf("panic: %v", r)
				stack = string(debug.Stack())
			}
		}()
		err = o.ProcessJob(ctx, job)
	}()

	if err == nil {
		return
	}
	if errors.Is(err, store.ErrNotProcessing) {
		slog.WarnContext(ctx, "job claim lost during processing, dropping result", "error", err)
		return
	}
	if stack == "" {
		stack = string(debug.Stack())
	}
	o.failJob(ctx, job, err, stack)
}

// ProcessJob runs one claimed job to completion. A job whose plan or task results were
// persisted by an earlier attempt picks up where that attempt stopped.
func (o *Orchestrator) ProcessJob(ctx context.Context, job *model.Job) error {
	sc := logger.StartSpan(ctx, "orchestrator.process_job")
	defer sc.End()
	ctx = sc.Context()
	sc.SetAttributes(
		attribute.Int64("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempts),
		attribute.String("job.tier", string(job.Tier)))

	start := o.now()
	slog.InfoContext(ctx, "processing job", "attempt", job.Attempts, "tier", job.Tier)
	o.logStatus(ctx, job.ID, 0, model.LogLevelInfo, fmt.Sprintf("Attempt %d started", job.Attempts))

	stopHeartbeat := o.heartbeat(ctx, job.ID)
	defer stopHeartbeat()

	plan, err := o.loadPlan(ctx, job)
	if err != nil {
		sc.RecordError(err)
		return err
	}

	outcomes, err := o.runTasks(ctx, job, plan)
	if err != nil {
		sc.RecordError(err)
		return err
	}

	report := Aggregate(outcomes)
	report.TokenUsage += plan.TokenUsage

	if err := o.finalize(ctx, job, report, outcomes); err != nil {
		sc.RecordError(err)
		return err
	}

	slog.InfoContext(ctx, "job completed",
		"duration_ms", o.now().Sub(start).Milliseconds(),
		"task_count", report.TaskCount,
		"failed_tasks", len(report.FailedTasks),
		"issue_count", len(report.Issues),
		"health_score", report.HealthScore,
		"token_usage", report.TokenUsage)
	return nil
}

func (o *Orchestrator) loadPlan(ctx context.Context, job *model.Job) (*model.Plan, error) {
	rec, err := o.stores.Statuses().Get(ctx, job.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading status: %w", err)
	}
	if rec != nil && rec.Plan != nil && len(rec.Plan.Tasks) > 0 {
		slog.InfoContext(ctx, "reusing persisted plan", "task_count", len(rec.Plan.Tasks))
		return rec.Plan, nil
	}

	plan, err := o.planner.Plan(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("planning job: %w", err)
	}
	if len(plan.Tasks) == 0 {
		return nil, errors.New("planner returned no tasks")
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = o.now()
	}

	if err := o.stores.Statuses().SavePlan(ctx, job.ID, plan); err != nil {
		return nil, fmt.Errorf("persisting plan: %w", err)
	}

	slog.InfoContext(ctx, "plan created", "task_count", len(plan.Tasks), "token_usage", plan.TokenUsage)
	o.logStatus(ctx, job.ID, planProgress, model.LogLevelInfo, fmt.Sprintf("Planned %d tasks", len(plan.Tasks)))
	return plan, nil
}

// heartbeat keeps the claim fresh while the job runs so the reclaimer leaves it alone.
func (o *Orchestrator) heartbeat(ctx context.Context, jobID int64) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(o.cfg.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := o.stores.Jobs().Heartbeat(ctx, jobID, o.workerID); err != nil {
					slog.WarnContext(ctx, "heartbeat failed", "error", err)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func (o *Orchestrator) finalize(ctx context.Context, job *model.Job, report *model.Report, outcomes []TaskOutcome) error {
	entry := model.StatusLog{
		At:      o.now(),
		Level:   model.LogLevelInfo,
		Message: fmt.Sprintf("Completed: %s", report.Summary),
	}

	err := o.txRunner.WithTx(ctx, func(sp store.Provider) error {
		if err := sp.Jobs().CompleteJob(ctx, job.ID, o.workerID, report); err != nil {
			return fmt.Errorf("completing job: %w", err)
		}
		if err := sp.Statuses().UpdateProgress(ctx, job.ID, 100, "completed", report.TokenUsage, progressRecords(outcomes)); err != nil {
			return fmt.Errorf("updating final progress: %w", err)
		}
		if err := sp.Statuses().AppendLog(ctx, job.ID, entry); err != nil {
			return fmt.Errorf("appending final log: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	o.publish(ctx, job.ID, 100, entry)
	return nil
}

func (o *Orchestrator) failJob(ctx context.Context, job *model.Job, cause error, stack string) {
	kind := "job failed"
	if errors.Is(cause, codehost.ErrCredentialRefresh) {
		kind = "job failed: no valid credential"
	}
	slog.ErrorContext(ctx, kind, "error", cause, "attempt", job.Attempts)

	entry := model.StatusLog{At: o.now(), Level: model.LogLevelError, Message: "Failed: " + cause.Error()}
	err := o.txRunner.WithTx(ctx, func(sp store.Provider) error {
		if err := sp.Jobs().FailJob(ctx, job.ID, o.workerID, cause.Error(), stack); err != nil {
			return fmt.Errorf("failing job: %w", err)
		}
		if err := sp.Statuses().AppendLog(ctx, job.ID, entry); err != nil {
			return fmt.Errorf("appending failure log: %w", err)
		}
		return nil
	})
	if errors.Is(err, store.ErrNotProcessing) {
		slog.WarnContext(ctx, "job claim lost before failure was recorded, leaving job to its new claimant")
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to persist job failure", "error", err)
		return
	}
	o.publish(ctx, job.ID, 0, entry)
}

// logStatus records a user-facing log line. Failures are logged and swallowed since
// the status view must never decide a job's outcome.
func (o *Orchestrator) logStatus(ctx context.Context, jobID int64, progress int, level model.LogLevel, msg string) {
	entry := model.StatusLog{At: o.now(), Level: level, Message: msg}
	if err := o.stores.Statuses().AppendLog(ctx, jobID, entry); err != nil {
		slog.WarnContext(ctx, "failed to append status log", "error", err)
	}
	o.publish(ctx, jobID, progress, entry)
}

func (o *Orchestrator) publish(ctx context.Context, jobID int64, progress int, entry model.StatusLog) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, jobID, progress, entry); err != nil {
		slog.DebugContext(ctx, "status publish failed", "error", err)
	}
}
