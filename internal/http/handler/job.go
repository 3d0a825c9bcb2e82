package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"basegraph.app/conductor/common/id"
	"basegraph.app/conductor/common/logger"
	"basegraph.app/conductor/internal/http/dto"
	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/queue"
	"basegraph.app/conductor/internal/store"
)

type JobHandler struct {
	jobs     store.JobStore
	statuses store.StatusStore
	producer queue.Producer
}

// NewJobHandler builds the job API. producer may be nil, in which case submitted jobs
// wait for the next polling cycle.
func NewJobHandler(jobs store.JobStore, statuses store.StatusStore, producer queue.Producer) *JobHandler {
	return &JobHandler{jobs: jobs, statuses: statuses, producer: producer}
}

func (h *JobHandler) Submit(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tier := model.Tier(req.Tier)
	if tier == "" {
		tier = model.TierStandard
	}
	if !tier.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tier must be one of quick, standard, deep"})
		return
	}
	provider := model.Provider(req.Provider)
	if provider != "" && !provider.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider must be gitlab or github"})
		return
	}

	fileCount := req.FileCount
	if fileCount == 0 {
		fileCount = len(req.Files)
	}

	job := &model.Job{
		ID:       id.New(),
		TenantID: req.TenantID,
		Tier:     tier,
		Input: model.JobInput{
			Provider:             provider,
			AccountID:            req.AccountID,
			Repository:           req.Repository,
			Ref:                  req.Ref,
			FileCount:            fileCount,
			Files:                req.Files,
			IncludeIssues:        req.IncludeIssues,
			IncludeMergeRequests: req.IncludeMergeRequests,
			IncludeCommits:       req.IncludeCommits,
		},
	}
	if req.ScheduledAt != nil {
		job.ScheduledAt = *req.ScheduledAt
	}

	created, err := h.jobs.Create(ctx, job)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create job", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{JobID: &created.ID, TenantID: &created.TenantID})
	slog.InfoContext(ctx, "job submitted", "repository", created.Input.Repository, "tier", created.Tier)

	if h.producer != nil && !created.ScheduledAt.After(time.Now()) {
		n := queue.JobNotification{
			Type:     queue.NotificationJobSubmitted,
			JobID:    created.ID,
			TenantID: created.TenantID,
		}
		if traceID := logger.TraceID(ctx); traceID != "" {
			n.TraceID = &traceID
		}
		if err := h.producer.Notify(ctx, n); err != nil {
			slog.WarnContext(ctx, "failed to notify orchestrators, job waits for next poll", "error", err)
		}
	}

	c.JSON(http.StatusAccepted, dto.NewJobResponse(created))
}

func (h *JobHandler) Get(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := h.jobs.GetByID(c.Request.Context(), jobID)
	if err != nil {
		writeStoreError(c, err, "job")
		return
	}
	c.JSON(http.StatusOK, dto.NewJobResponse(job))
}

func (h *JobHandler) Status(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	rec, err := h.statuses.Get(c.Request.Context(), jobID)
	if err != nil {
		writeStoreError(c, err, "status")
		return
	}
	c.JSON(http.StatusOK, rec)
}

func parseJobID(c *gin.Context) (int64, bool) {
	jobID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || jobID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return 0, false
	}
	return jobID, true
}

func writeStoreError(c *gin.Context, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
		return
	}
	slog.ErrorContext(c.Request.Context(), "store lookup failed", "what", what, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
