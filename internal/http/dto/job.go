package dto

import (
	"time"

	"basegraph.app/conductor/internal/model"
)

type SubmitJobRequest struct {
	TenantID             string     `json:"tenant_id" binding:"required"`
	Tier                 string     `json:"tier"`
	Provider             string     `json:"provider"`
	AccountID            string     `json:"account_id"`
	Repository           string     `json:"repository" binding:"required"`
	Ref                  string     `json:"ref"`
	FileCount            int        `json:"file_count" binding:"min=0"`
	Files                []string   `json:"files"`
	IncludeIssues        bool       `json:"include_issues"`
	IncludeMergeRequests bool       `json:"include_merge_requests"`
	IncludeCommits       bool       `json:"include_commits"`
	ScheduledAt          *time.Time `json:"scheduled_at"`
}

type JobResponse struct {
	ID          int64           `json:"id,string"`
	TenantID    string          `json:"tenant_id"`
	Tier        model.Tier      `json:"tier"`
	Status      model.JobStatus `json:"status"`
	Repository  string          `json:"repository"`
	AccountID   string          `json:"account_id,omitempty"`
	Attempts    int             `json:"attempts"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Report      *model.Report   `json:"report,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func NewJobResponse(job *model.Job) JobResponse {
	return JobResponse{
		ID:          job.ID,
		TenantID:    job.TenantID,
		Tier:        job.Tier,
		Status:      job.Status,
		Repository:  job.Input.Repository,
		AccountID:   job.Input.AccountID,
		Attempts:    job.Attempts,
		ScheduledAt: job.ScheduledAt,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.FinishedAt,
		Error:       job.Error,
		Report:      job.Output,
		CreatedAt:   job.CreatedAt,
	}
}

type HealthResponse struct {
	Status        string                  `json:"status"`
	Processing    int                     `json:"processing"`
	MaxProcessing int                     `json:"max_processing"`
	Breakers      map[string]BreakerStats `json:"breakers"`
}

type BreakerStats struct {
	Total            int   `json:"total"`
	Closed           int   `json:"closed"`
	HalfOpen         int   `json:"half_open"`
	Open             int   `json:"open"`
	OldestAgeSeconds int64 `json:"oldest_age_seconds"`
	NewestAgeSeconds int64 `json:"newest_age_seconds"`
}
