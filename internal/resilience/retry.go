package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"basegraph.app/conductor/core/config"
)

const maxJitter = time.Second

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// RetryConfig configures Execute. IsRetryable decides whether a failed attempt may be
// retried; nil means DefaultIsRetryable.
type RetryConfig struct {
	Name              string
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	IsRetryable       func(err error) bool

	// Sleep waits between attempts. nil sleeps on a timer and aborts on ctx cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns the random extra delay added to each backoff. nil draws from [0, 1s).
	Jitter func() time.Duration
}

// Execute runs op until it succeeds, the attempt budget is spent, or the error is not
// retryable. The last error is returned as-is so callers can still inspect it with
// errors.Is / errors.As. No delay is spent after the final attempt.
func Execute[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	isRetryable := cfg.IsRetryable
	if isRetryable == nil {
		isRetryable = DefaultIsRetryable
	}

	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		if attempt >= maxAttempts || !isRetryable(err) {
			return zero, err
		}

		delay := Backoff(cfg, attempt) + cfg.jitter()
		slog.WarnContext(ctx, "retrying after failure",
			"policy", cfg.Name,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay_ms", delay.Milliseconds(),
			"error", err)

		if err := cfg.sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry wait interrupted: %w", err)
		}
	}
}

// Do is Execute for operations without a result.
func Do(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Backoff is the delay before the retry that follows the given (1-based) attempt,
// without jitter: min(InitialDelay * multiplier^(attempt-1), MaxDelay).
func Backoff(cfg RetryConfig, attempt int) time.Duration {
	multiplier := cfg.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(delay)
}

func (cfg RetryConfig) jitter() time.Duration {
	if cfg.Jitter != nil {
		return cfg.Jitter()
	}
	return time.Duration(rand.Int64N(int64(maxJitter)))
}

func (cfg RetryConfig) sleep(ctx context.Context, d time.Duration) error {
	if cfg.Sleep != nil {
		return cfg.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var retryableSubstrings = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"network",
	"rate limit",
	"too many requests",
	"temporarily unavailable",
}

// DefaultIsRetryable treats network failures, timeouts, rate limiting and gateway
// errors (429, 502, 503, 504) as transient. A tripped breaker and caller cancellation
// are never retried.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case 429, 502, 503, 504:
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// CodeHostPolicy is the preset for code-host API calls: few, widely spaced attempts.
// Besides the defaults it retries GitHub-style secondary rate limits, which arrive as 403.
func CodeHostPolicy(p config.RetryPreset) RetryConfig {
	return RetryConfig{
		Name:              "code_host",
		MaxAttempts:       p.MaxAttempts,
		InitialDelay:      p.InitialDelay,
		MaxDelay:          p.MaxDelay,
		BackoffMultiplier: p.BackoffMultiplier,
		IsRetryable: func(err error) bool {
			if DefaultIsRetryable(err) {
				return true
			}
			var sc StatusCoder
			if errors.As(err, &sc) && sc.StatusCode() == 403 {
				return strings.Contains(strings.ToLower(err.Error()), "secondary rate limit")
			}
			return false
		},
	}
}

// AIProviderPolicy is the preset for model calls: only 429 and 5xx are worth the wait.
func AIProviderPolicy(p config.RetryPreset) RetryConfig {
	return RetryConfig{
		Name:              "ai_provider",
		MaxAttempts:       p.MaxAttempts,
		InitialDelay:      p.InitialDelay,
		MaxDelay:          p.MaxDelay,
		BackoffMultiplier: p.BackoffMultiplier,
		IsRetryable: func(err error) bool {
			if errors.Is(err, ErrCircuitOpen) {
				return false
			}
			var sc StatusCoder
			if !errors.As(err, &sc) {
				return false
			}
			return sc.StatusCode() == 429 || sc.StatusCode() >= 500
		},
	}
}
