package llm

import (
	"context"
	"errors"
	"fmt"
)

// APIError is a non-2xx answer from the model provider.
type APIError struct {
	Status int
	Err    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api error (status %d): %v", e.Status, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func (e *APIError) StatusCode() int {
	return e.Status
}

// IsProviderFailure reports whether err says something about the provider's health.
// Rejected requests (4xx other than 429) and caller cancellation do not.
func IsProviderFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}
	return true
}
