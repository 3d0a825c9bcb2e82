package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment so that every attempt, deferral and failure
// carries the job and account it belongs to without each call site repeating them.
type LogFields struct {
	JobID     *int64  // Job being processed
	TenantID  *string // Owning tenant of the job
	AccountID *string // Remote account / installation whose quota is being consumed
	TaskID    *string // Task within the job plan
	WorkerID  *string // Orchestrator instance holding the claim
	Component string  // Component name (OTel semantic convention style, e.g., "conductor.orchestrator")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.JobID != nil {
		result.JobID = next.JobID
	}
	if next.TenantID != nil {
		result.TenantID = next.TenantID
	}
	if next.AccountID != nil {
		result.AccountID = next.AccountID
	}
	if next.TaskID != nil {
		result.TaskID = next.TaskID
	}
	if next.WorkerID != nil {
		result.WorkerID = next.WorkerID
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{JobID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging potentially long strings like response bodies or error messages.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
