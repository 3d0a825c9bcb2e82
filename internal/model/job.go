package model

import "time"

type (
	JobStatus string
	Tier      string
)

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

const (
	TierQuick    Tier = "quick"
	TierStandard Tier = "standard"
	TierDeep     Tier = "deep"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (t Tier) Valid() bool {
	return t == TierQuick || t == TierStandard || t == TierDeep
}

// JobInput is the audit request as submitted upstream.
// The Include* flags request optional sub-resources, each costing one extra API call.
type JobInput struct {
	Provider             Provider `json:"provider"`
	AccountID            string   `json:"account_id"`
	Repository           string   `json:"repository"`
	Ref                  string   `json:"ref,omitempty"`
	FileCount            int      `json:"file_count"`
	Files                []string `json:"files,omitempty"`
	IncludeIssues        bool     `json:"include_issues,omitempty"`
	IncludeMergeRequests bool     `json:"include_merge_requests,omitempty"`
	IncludeCommits       bool     `json:"include_commits,omitempty"`
}

type Job struct {
	ID          int64      `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Tier        Tier       `json:"tier"`
	Status      JobStatus  `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	WorkerID    *string    `json:"worker_id,omitempty"`
	Input       JobInput   `json:"input_data"`
	Output      *Report    `json:"output_data,omitempty"`
	Error       *string    `json:"error,omitempty"`
	ErrorStack  *string    `json:"error_stack,omitempty"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// AccountID is the rate-limited remote account the job spends quota against.
// Empty means the job is not tied to a metered account.
func (j *Job) AccountID() string {
	return j.Input.AccountID
}

// AgeHours is how long the job has been waiting since creation.
func (j *Job) AgeHours(now time.Time) float64 {
	return now.Sub(j.CreatedAt).Hours()
}
