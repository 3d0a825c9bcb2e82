package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"basegraph.app/conductor/core/config"
)

type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

// ErrCircuitOpen is the local fast-fail returned while a service's breaker is open.
// It is never produced by the wrapped operation itself.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError carries the rejected service and when a probe will next be allowed.
type CircuitOpenError struct {
	Service string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry after %s)", e.Service, e.RetryAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	MonitoringPeriod time.Duration
	MaxEntries       int
	MaxIdle          time.Duration
	MaxAge           time.Duration
	CleanupInterval  time.Duration

	// IsFailure decides whether an operation error counts against the breaker.
	// nil counts every error except caller cancellation.
	IsFailure func(err error) bool
}

func BreakerConfigFrom(cfg config.BreakerConfig) BreakerConfig {
	return BreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		MonitoringPeriod: cfg.MonitoringPeriod,
		MaxEntries:       cfg.MaxEntries,
		MaxIdle:          cfg.MaxIdle,
		MaxAge:           cfg.MaxAge,
		CleanupInterval:  cfg.CleanupInterval,
	}
}

// CircuitState is the per-service record. It is only touched under the registry lock.
type CircuitState struct {
	Service         string
	State           State
	FailureCount    int
	LastFailureTime time.Time
	LastAccessed    time.Time
	CreatedAt       time.Time

	probeInFlight bool
}

// Stats is the aggregate view used by health reporting.
type Stats struct {
	Total     int           `json:"total"`
	Closed    int           `json:"closed"`
	HalfOpen  int           `json:"half_open"`
	Open      int           `json:"open"`
	OldestAge time.Duration `json:"oldest_age"`
	NewestAge time.Duration `json:"newest_age"`
}

// Registry tracks one breaker per service name. Memory is bounded twice: the LRU
// caps the number of services, and an opportunistic sweep drops entries that are
// both idle and old.
type Registry struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	circuits  *simplelru.LRU[string, *CircuitState]
	lastSweep time.Time
}

type RegistryOption func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

func NewRegistry(cfg BreakerConfig, opts ...RegistryOption) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = time.Minute
	}
	if cfg.MonitoringPeriod <= 0 {
		cfg.MonitoringPeriod = 2 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 30 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	r := &Registry{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}

	// NewLRU only fails for a non-positive size, which the defaults above rule out.
	circuits, _ := simplelru.NewLRU[string, *CircuitState](cfg.MaxEntries, func(service string, _ *CircuitState) {
		slog.Debug("circuit breaker evicted", "service", service)
	})
	r.circuits = circuits
	r.lastSweep = r.now()

	return r
}

// panicError stands in for the outcome of an operation that panicked.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// Execute runs op through the named breaker. While the breaker is open op is not
// invoked and a *CircuitOpenError is returned. A panic in op counts as a failure
// and is re-raised once recorded.
func (r *Registry) Execute(ctx context.Context, service string, op func(ctx context.Context) error) error {
	if err := r.allow(ctx, service); err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			r.record(ctx, service, &panicError{value: p})
			panic(p)
		}
	}()

	err := op(ctx)
	r.record(ctx, service, err)
	return err
}

// Call is Execute for operations that return a value.
func Call[T any](ctx context.Context, r *Registry, service string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Execute(ctx, service, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

func (r *Registry) allow(ctx context.Context, service string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.maybeSweep(ctx, now)

	c, ok := r.circuits.Get(service)
	if !ok {
		c = &CircuitState{Service: service, State: StateClosed, CreatedAt: now}
		r.circuits.Add(service, c)
	}
	c.LastAccessed = now

	switch c.State {
	case StateClosed:
		if c.FailureCount > 0 && now.Sub(c.LastFailureTime) >= r.cfg.MonitoringPeriod {
			c.FailureCount = 0
		}
		return nil

	case StateOpen:
		retryAt := c.LastFailureTime.Add(r.cfg.ResetTimeout)
		if now.Before(retryAt) {
			return &CircuitOpenError{Service: service, RetryAt: retryAt}
		}
		c.State = StateHalfOpen
		c.probeInFlight = true
		slog.InfoContext(ctx, "circuit breaker half-open, allowing probe", "service", service)
		return nil

	default:
		if c.probeInFlight {
			return &CircuitOpenError{Service: service, RetryAt: now.Add(r.cfg.ResetTimeout)}
		}
		c.probeInFlight = true
		return nil
	}
}

func (r *Registry) record(ctx context.Context, service string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Evicted while the call was in flight; the outcome has nowhere to go.
	c, ok := r.circuits.Peek(service)
	if !ok {
		return
	}

	now := r.now()

	if err == nil || !r.isFailure(err) {
		if c.State == StateHalfOpen {
			if err == nil {
				c.State = StateClosed
				c.FailureCount = 0
				slog.InfoContext(ctx, "circuit breaker closed", "service", service)
			}
			c.probeInFlight = false
		}
		return
	}

	c.LastFailureTime = now

	switch c.State {
	case StateHalfOpen:
		c.State = StateOpen
		c.probeInFlight = false
		slog.WarnContext(ctx, "circuit breaker probe failed, reopening",
			"service", service,
			"error", err)
	case StateClosed:
		c.FailureCount++
		if c.FailureCount >= r.cfg.FailureThreshold {
			c.State = StateOpen
			slog.WarnContext(ctx, "circuit breaker opened",
				"service", service,
				"failure_count", c.FailureCount,
				"reset_timeout", r.cfg.ResetTimeout)
		}
	}
}

func (r *Registry) isFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *panicError
	if errors.As(err, &pe) {
		return true
	}
	if r.cfg.IsFailure != nil {
		return r.cfg.IsFailure(err)
	}
	return true
}

func (r *Registry) maybeSweep(ctx context.Context, now time.Time) {
	if now.Sub(r.lastSweep) < r.cfg.CleanupInterval {
		return
	}
	r.lastSweep = now
	if removed := r.sweepLocked(now); removed > 0 {
		slog.DebugContext(ctx, "circuit breaker sweep removed entries", "removed", removed)
	}
}

// Sweep removes entries that are both idle longer than MaxIdle and older than MaxAge.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.lastSweep = now
	return r.sweepLocked(now)
}

func (r *Registry) sweepLocked(now time.Time) int {
	removed := 0
	for _, service := range r.circuits.Keys() {
		c, ok := r.circuits.Peek(service)
		if !ok {
			continue
		}
		if now.Sub(c.LastAccessed) > r.cfg.MaxIdle && now.Sub(c.CreatedAt) > r.cfg.MaxAge {
			r.circuits.Remove(service)
			removed++
		}
	}
	return removed
}

// State returns the stored state of a service's breaker, or closed if it is untracked.
func (r *Registry) State(service string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.circuits.Peek(service); ok {
		return c.State
	}
	return StateClosed
}

// Snapshot returns a copy of a service's breaker record without touching its recency.
func (r *Registry) Snapshot(service string) (CircuitState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits.Peek(service)
	if !ok {
		return CircuitState{}, false
	}
	return *c, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.circuits.Len()
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	stats := Stats{}
	for _, c := range r.circuits.Values() {
		stats.Total++
		switch c.State {
		case StateClosed:
			stats.Closed++
		case StateHalfOpen:
			stats.HalfOpen++
		case StateOpen:
			stats.Open++
		}

		age := now.Sub(c.CreatedAt)
		if stats.Total == 1 || age > stats.OldestAge {
			stats.OldestAge = age
		}
		if stats.Total == 1 || age < stats.NewestAge {
			stats.NewestAge = age
		}
	}
	return stats
}
