package model

import "time"

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

type StatusLog struct {
	At      time.Time `json:"at"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
}

// JobStatusRecord is the progress view shown to users, upserted by job id.
type JobStatusRecord struct {
	JobID          int64          `json:"job_id"`
	Progress       int            `json:"progress"`
	CurrentStep    string         `json:"current_step"`
	Logs           []StatusLog    `json:"logs"`
	Plan           *Plan          `json:"plan,omitempty"`
	WorkerProgress []TaskProgress `json:"worker_progress"`
	TokenUsage     int            `json:"token_usage"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
