package codehost

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/resilience"
	"basegraph.app/conductor/internal/store"
)

const (
	lowRemaining     = 100
	imminentReset    = 60 * time.Second
	resetGrace       = time.Second
	epochSecondsMark = 1_000_000_000
)

// QuotaTracker keeps the cached rate-limit window per account current and holds calls
// back when the window is nearly exhausted and about to reset.
type QuotaTracker struct {
	store store.QuotaStore
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewQuotaTracker(quotas store.QuotaStore) *QuotaTracker {
	return &QuotaTracker{
		store: quotas,
		now:   time.Now,
		sleep: resilience.SleepContext,
	}
}

// Wait sleeps until the window resets when fewer than 100 calls remain and the reset is
// under a minute away. Any other state, including an unknown one, proceeds immediately.
func (t *QuotaTracker) Wait(ctx context.Context, accountID string) error {
	if accountID == "" {
		return nil
	}

	state, err := t.store.Get(ctx, accountID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.WarnContext(ctx, "quota lookup failed, proceeding", "account_id", accountID, "error", err)
		}
		return nil
	}

	now := t.now()
	if state.WindowReset(now) {
		return nil
	}

	untilReset := state.ResetAt.Sub(now)
	if state.Remaining >= lowRemaining || untilReset >= imminentReset {
		return nil
	}

	wait := untilReset + resetGrace
	slog.InfoContext(ctx, "quota nearly exhausted, waiting for reset",
		"account_id", accountID,
		"remaining", state.Remaining,
		"reset_at", state.ResetAt,
		"wait_ms", wait.Milliseconds())
	return t.sleep(ctx, wait)
}

// Observe records the rate-limit headers of a response. Persisting is best-effort.
func (t *QuotaTracker) Observe(ctx context.Context, accountID string, header http.Header) {
	if accountID == "" {
		return
	}
	now := t.now()
	state, ok := ParseRateLimit(header, now)
	if !ok {
		return
	}
	state.AccountID = accountID
	state.UpdatedAt = now

	if err := t.store.Set(ctx, state); err != nil {
		slog.WarnContext(ctx, "failed to persist quota snapshot", "account_id", accountID, "error", err)
	}
}

// ParseRateLimit reads GitLab-style RateLimit-* or GitHub-style X-RateLimit-* headers.
// Reset may be a unix timestamp or a number of seconds from now.
func ParseRateLimit(header http.Header, now time.Time) (model.QuotaState, bool) {
	for _, prefix := range []string{"RateLimit-", "X-RateLimit-"} {
		remaining, errR := strconv.Atoi(header.Get(prefix + "Remaining"))
		limit, errL := strconv.Atoi(header.Get(prefix + "Limit"))
		if errR != nil || errL != nil {
			continue
		}

		state := model.QuotaState{Remaining: remaining, Limit: limit}
		if reset, err := strconv.ParseInt(header.Get(prefix+"Reset"), 10, 64); err == nil {
			if reset >= epochSecondsMark {
				state.ResetAt = time.Unix(reset, 0)
			} else {
				state.ResetAt = now.Add(time.Duration(reset) * time.Second)
			}
		} else {
			state.ResetAt = now.Add(time.Minute)
		}
		return state, true
	}
	return model.QuotaState{}, false
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func RetryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	v := header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0), true
	}
	return 0, false
}
