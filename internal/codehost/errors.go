package codehost

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCredentialRefresh marks a failure to obtain a usable access token. It is never
// retried: without a valid token there is no way to make progress.
var ErrCredentialRefresh = errors.New("credential refresh failed")

// StatusError is a terminal non-2xx response from the provider.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("code host returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("code host returned %d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
}

func (e *StatusError) StatusCode() int {
	return e.Status
}

// IsBreakerFailure decides which errors trip the code-host breaker. Client errors say
// nothing about the provider's health, except throttling.
func IsBreakerFailure(err error) bool {
	if errors.Is(err, ErrCredentialRefresh) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500
	}
	return true
}
