package model

import "time"

type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// TaskSpec is one unit of planned work. Role is the capability tag the worker uses
// to pick its prompt (e.g. "security", "architecture").
type TaskSpec struct {
	ID          string   `json:"id"`
	Role        string   `json:"role"`
	Instruction string   `json:"instruction"`
	TargetFiles []string `json:"target_files"`
	// Context holds the optional repository sub-resources, gathered once per job.
	Context map[string][]string `json:"context,omitempty"`
}

// Plan is the planner output cached per job so a crashed attempt resumes from "plan known".
type Plan struct {
	Tasks      []TaskSpec `json:"tasks"`
	TokenUsage int        `json:"token_usage"`
	CreatedAt  time.Time  `json:"created_at"`
}

// TaskResult is what a worker returns for one task.
type TaskResult struct {
	Findings   Findings
	TokenUsage int
	ByteCost   int64
}

// TaskProgress is the persisted per-task record used for resumability.
type TaskProgress struct {
	JobID      int64      `json:"job_id"`
	TaskID     string     `json:"task_id"`
	Role       string     `json:"role"`
	Status     TaskStatus `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	TokenUsage int        `json:"token_usage"`
	ByteCost   int64      `json:"byte_cost"`
	Output     *Findings  `json:"output,omitempty"`
	HasOutput  bool       `json:"has_output"`
	Error      *string    `json:"error,omitempty"`
}

// Skippable reports whether a resumed attempt may reuse this record instead of
// re-running the task. Only a completed task whose findings payload was persisted
// qualifies; a status flag alone is never trusted.
func (p *TaskProgress) Skippable() bool {
	return p.Status == TaskStatusCompleted && p.HasOutput && p.Output != nil
}
