package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/renderlab/renderq/internal/admission"
	"github.com/renderlab/renderq/internal/api/dto"
	"github.com/renderlab/renderq/internal/domain"
	"github.com/renderlab/renderq/internal/health"
	"github.com/renderlab/renderq/internal/jobstore"
)

// maximum bounded inline wait a submitter may request
const maxInlineWait = 5 * time.Second

// SubmitJob handles POST /api/v1/jobs
// Admits and enqueues a render job; with wait_ms set, fast jobs return
// their result synchronously.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	wait := time.Duration(req.WaitMs) * time.Millisecond
	if wait > maxInlineWait {
		wait = maxInlineWait
	}

	submitReq := admission.SubmitRequest{
		UserID:  req.UserID,
		Payload: req.Payload,
		JobID:   req.JobID,
	}

	jobID, evt, err := h.admission.SubmitAndWait(c.Request.Context(), submitReq, wait)
	if err != nil {
		h.renderSubmitError(c, err)
		return
	}

	resp := dto.SubmitJobResponse{
		JobID:  jobID,
		Status: domain.JobStatusQueued,
	}
	if evt != nil {
		switch evt.Status {
		case domain.EventStatusCompleted:
			resp.Status = domain.JobStatusCompleted
			resp.OutputURL = evt.OutputURL
		case domain.EventStatusFailed:
			resp.Status = domain.JobStatusFailed
			resp.Error = evt.Error
		}
	}

	status := http.StatusAccepted
	if evt != nil {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// renderSubmitError maps the admission error taxonomy onto HTTP statuses,
// keeping "the system is overloaded" distinct from "your job was rejected".
func (h *JobHandler) renderSubmitError(c *gin.Context, err error) {
	var limitErr *domain.AdmissionLimitError
	switch {
	case errors.As(err, &limitErr):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":  limitErr.Error(),
			"active": limitErr.Active,
			"max":    limitErr.Max,
		})
	case errors.Is(err, domain.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
	case errors.Is(err, domain.ErrCircuitOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "submission temporarily unavailable, retry later",
		})
	default:
		h.logger.Error("Failed to submit job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to submit job",
		})
	}
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.storage.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, jobToDTO(job))
}

// WaitJob handles GET /api/v1/jobs/:job_id/wait
// Blocks up to timeout_ms for the job to settle. 202 means "still unknown,
// try again later", so the caller is never left hanging.
func (h *JobHandler) WaitJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	timeout := 30 * time.Second
	if raw := c.Query("timeout_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "timeout_ms must be a positive integer",
			})
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	evt, err := h.waiter.WaitForCompletion(c.Request.Context(), jobID, timeout)
	if err != nil {
		h.logger.Error("Wait failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to wait for job",
		})
		return
	}

	if evt == nil {
		c.JSON(http.StatusAccepted, dto.WaitJobResponse{
			JobID:  jobID,
			Status: domain.JobStatusProcessing,
		})
		return
	}

	resp := dto.WaitJobResponse{JobID: evt.JobID}
	switch evt.Status {
	case domain.EventStatusCompleted:
		resp.Status = domain.JobStatusCompleted
		resp.OutputURL = evt.OutputURL
	case domain.EventStatusFailed:
		resp.Status = domain.JobStatusFailed
		resp.Error = evt.Error
	}
	c.JSON(http.StatusOK, resp)
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := jobstore.JobFilter{
		UserID:   req.UserID,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.storage.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = *jobToDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor, err = EncodeJobCursor(&jobstore.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		})
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// ListDeadLetters handles GET /api/v1/dlq
// Returns the most recent jobs that exhausted their retry budget.
func (h *JobHandler) ListDeadLetters(c *gin.Context) {
	entries, err := h.storage.ListDeadLetters(c.Request.Context(), 100)
	if err != nil {
		h.logger.Error("Failed to list dead letters", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list dead letters",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// GetHealth handles GET /health
func (h *JobHandler) GetHealth(c *gin.Context) {
	snapshot := h.monitor.Snapshot(c.Request.Context())

	status := http.StatusOK
	if snapshot.Overall == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, snapshot)
}

// GetMetrics handles GET /metrics
func (h *JobHandler) GetMetrics(c *gin.Context) {
	metrics, err := h.monitor.Metrics(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to collect metrics", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to collect metrics",
		})
		return
	}

	c.JSON(http.StatusOK, metrics)
}

func jobToDTO(job *domain.Job) *dto.JobDTO {
	return &dto.JobDTO{
		JobID:     job.JobID,
		UserID:    job.UserID,
		Status:    job.Status,
		Payload:   job.Payload,
		OutputURL: job.OutputURL,
		Error:     job.Error,
		Attempt:   job.Attempt,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}
}
