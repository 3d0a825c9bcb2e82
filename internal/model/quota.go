package model

import "time"

// QuotaState is the last known rate-limit window for a remote account.
// The provider is the source of truth; this is a cache refreshed from response headers.
type QuotaState struct {
	AccountID string    `json:"account_id"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WindowReset reports whether the provider window has rolled over since the snapshot.
func (q *QuotaState) WindowReset(now time.Time) bool {
	return !q.ResetAt.After(now)
}
