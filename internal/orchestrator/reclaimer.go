package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"basegraph.app/conductor/common/logger"
	"basegraph.app/conductor/internal/queue"
	"basegraph.app/conductor/internal/store"
)

type ReclaimerConfig struct {
	StaleAfter time.Duration
	Interval   time.Duration
	BatchSize  int
}

// Reclaimer periodically returns jobs whose claimant stopped heartbeating to pending.
// This handles the crash recovery scenario where an orchestrator dies while holding
// a claim; the next attempt resumes from the persisted plan and task results.
type Reclaimer struct {
	jobs     store.JobStore
	producer queue.Producer
	cfg      ReclaimerConfig
	now      func() time.Time

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewReclaimer creates a Reclaimer. producer may be nil.
func NewReclaimer(jobs store.JobStore, producer queue.Producer, cfg ReclaimerConfig) *Reclaimer {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Reclaimer{
		jobs:      jobs,
		producer:  producer,
		cfg:       cfg,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run starts the reclaimer loop. Blocks until Stop() is called.
func (r *Reclaimer) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "conductor.orchestrator.reclaimer",
	})

	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "reclaimer started",
		"interval", r.cfg.Interval,
		"stale_after", r.cfg.StaleAfter)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			slog.InfoContext(ctx, "reclaimer stopping")
			return
		case <-ticker.C:
			if _, err := r.ReclaimOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "reclaim cycle error", "error", err)
			}
		}
	}
}

// Stop signals the reclaimer to stop gracefully.
func (r *Reclaimer) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

// ReclaimOnce releases one batch of stale claims and announces them.
func (r *Reclaimer) ReclaimOnce(ctx context.Context) ([]int64, error) {
	cutoff := r.now().Add(-r.cfg.StaleAfter)
	released, err := r.jobs.ReleaseStale(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("releasing stale jobs: %w", err)
	}
	if len(released) == 0 {
		return nil, nil
	}

	slog.WarnContext(ctx, "released stale job claims", "count", len(released), "cutoff", cutoff)

	if r.producer == nil {
		return released, nil
	}
	for _, jobID := range released {
		if err := r.producer.Notify(ctx, queue.JobNotification{Type: queue.NotificationJobReleased, JobID: jobID}); err != nil {
			// The polling cycle still picks the job up.
			slog.WarnContext(ctx, "failed to announce released job", "job_id", jobID, "error", err)
		}
	}
	return released, nil
}
