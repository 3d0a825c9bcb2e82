package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"basegraph.app/conductor/common/logger"
	"basegraph.app/conductor/internal/queue"
)

// Notifications delivers job-submitted and job-released signals.
type Notifications interface {
	Read(ctx context.Context) ([]queue.Message, error)
}

// Runner triggers orchestrator cycles on a fixed interval and whenever a notification
// arrives. Notifications only wake the loop; jobs are still claimed from the store.
type Runner struct {
	orch          *Orchestrator
	notifications Notifications
	interval      time.Duration

	wake      chan struct{}
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewRunner builds a Runner. notifications may be nil, in which case only the ticker
// drives cycles.
func NewRunner(orch *Orchestrator, notifications Notifications, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Runner{
		orch:          orch,
		notifications: notifications,
		interval:      interval,
		wake:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
}

// Run blocks until Stop is called or ctx is done. Jobs already started are finished
// before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "conductor.orchestrator.runner",
	})
	defer close(r.stoppedCh)
	defer r.orch.Wait()

	listenCtx, cancelListen := context.WithCancel(ctx)
	defer cancelListen()
	if r.notifications != nil {
		go r.listen(listenCtx)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "orchestrator started",
		"worker_id", r.orch.WorkerID(),
		"interval", r.interval,
		"notifications", r.notifications != nil)

	r.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			slog.InfoContext(ctx, "orchestrator stopping")
			return nil
		case <-ticker.C:
			r.cycle(ctx)
		case <-r.wake:
			r.cycle(ctx)
		case <-r.orch.Freed():
			r.cycle(ctx)
		}
	}
}

func (r *Runner) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

func (r *Runner) cycle(ctx context.Context) {
	n, err := r.orch.RunCycle(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "orchestrator cycle error", "error", err)
		return
	}
	if n > 0 {
		// Work was found, so more may be waiting. Go again without waiting for the ticker.
		r.signal()
	}
}

func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) listen(ctx context.Context) {
	for {
		messages, err := r.notifications.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.ErrorContext(ctx, "reading notifications failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if len(messages) == 0 {
			continue
		}
		for _, msg := range messages {
			slog.DebugContext(ctx, "job notification received",
				"type", msg.Type,
				"job_id", msg.JobID,
				"trace_id", msg.TraceID)
		}
		r.signal()
	}
}
