package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/inthavong/doctrans-be/internal/api/dto"
	"github.com/inthavong/doctrans-be/internal/job"
	"github.com/inthavong/doctrans-be/internal/report"
	"github.com/inthavong/doctrans-be/internal/store"
)

// CreateJob handles POST /api/v1/jobs
// Persists the job as PENDING and enqueues its work descriptor.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	j := &job.Job{
		JobID:            uuid.New().String(),
		SourceType:       req.SourceType,
		SourceURI:        req.SourceURI,
		OriginalFilename: req.OriginalFilename,
		Options: job.Options{
			SourceLang: req.Options.SourceLang,
			TargetLang: req.Options.TargetLang,
		},
	}

	if err := h.store.CreateJob(c.Request.Context(), j); err != nil {
		if errors.Is(err, job.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	h.logger.Info("Job created",
		slog.String("job_id", j.JobID),
		slog.String("source_type", j.SourceType),
		slog.String("target_lang", j.Options.TargetLang),
	)

	body, err := json.Marshal(job.NewDescriptor(j, time.Now().UTC()))
	if err != nil {
		h.logger.Error("Failed to encode work descriptor", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	if err := h.broker.Publish(c.Request.Context(), h.queues.ReadyTopic, body); err != nil {
		h.logger.Error("Failed to publish work descriptor",
			slog.String("job_id", j.JobID),
			slog.String("error", err.Error()),
		)
		// Best effort: fail the job rather than leave it PENDING forever.
		if _, rerr := h.reporter.Report(c.Request.Context(), report.StatusReport{
			JobID:        j.JobID,
			Status:       job.StatusFailed,
			Detail:       "Failed to enqueue job for processing",
			ErrorKind:    "broker",
			ErrorMessage: err.Error(),
		}); rerr != nil {
			h.logger.Error("Failed to mark unenqueued job as failed",
				slog.String("job_id", j.JobID),
				slog.String("error", rerr.Error()),
			)
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateJobResponse{
		JobID:       j.JobID,
		Status:      string(j.Status),
		SubmittedAt: j.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the current status, retry bookkeeping and timestamps of a job.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	j, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondStoreError(c, jobID, err, "Failed to get job")
		return
	}

	c.JSON(http.StatusOK, toJobDTO(j))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional status filtering and cursor pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
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

	var status job.Status
	if req.Status != "" {
		parsed, err := job.ParseStatus(req.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Unknown status filter",
			})
			return
		}
		status = parsed
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), store.JobFilter{
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
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

	items := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		items[i] = toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&store.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       items,
		NextCursor: nextCursor,
	})
}

// GetTimeline handles GET /api/v1/jobs/:job_id/timeline
// Returns the append-only event history of a job in insertion order.
func (h *JobHandler) GetTimeline(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := h.store.GetJob(c.Request.Context(), jobID); err != nil {
		h.respondStoreError(c, jobID, err, "Failed to get job")
		return
	}

	events, err := h.store.Timeline(c.Request.Context(), jobID)
	if err != nil {
		h.logger.Error("Failed to load timeline",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load timeline",
		})
		return
	}

	resp := dto.TimelineResponse{
		JobID:  jobID,
		Events: make([]dto.TimelineEventDTO, len(events)),
	}
	for i, e := range events {
		resp.Events[i] = dto.TimelineEventDTO{
			Status:     string(e.Status),
			Detail:     e.Detail,
			Originator: e.Originator,
			CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, resp)
}

// GetResult handles GET /api/v1/jobs/:job_id/result
// Conflicts until the job is terminal; ?format=text|pdf serves the artifact
// content directly instead of the JSON summary.
func (h *JobHandler) GetResult(c *gin.Context) {
	jobID := c.Param("job_id")

	j, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondStoreError(c, jobID, err, "Failed to get job")
		return
	}

	if !j.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Job has not finished",
			"job_id": j.JobID,
			"status": string(j.Status),
		})
		return
	}

	switch c.Query("format") {
	case "":
		resp := dto.JobResultResponse{
			JobID:     j.JobID,
			Status:    string(j.Status),
			Detail:    j.Detail,
			Artifacts: j.Artifacts,
		}
		if resp.Artifacts == nil {
			resp.Artifacts = map[string]string{}
		}
		if raw, ok := j.Artifacts[job.ArtifactTranslatedText]; ok {
			resp.TranslatedText = resolveArtifactText(raw)
		}
		c.JSON(http.StatusOK, resp)

	case "text":
		h.serveNamedArtifact(c, j, job.ArtifactTranslatedText)

	case "pdf":
		h.serveNamedArtifact(c, j, job.ArtifactTranslatedPDF)

	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "format must be text or pdf",
		})
	}
}

// GetArtifact handles GET /api/v1/jobs/:job_id/artifacts/:name
// Serves a single artifact: file-backed values as bytes, JSON values as
// application/json, anything else as plain text.
func (h *JobHandler) GetArtifact(c *gin.Context) {
	jobID := c.Param("job_id")

	j, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondStoreError(c, jobID, err, "Failed to get job")
		return
	}

	h.serveNamedArtifact(c, j, c.Param("name"))
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Applies the terminal CANCELLED transition and broadcasts a cancel notice
// so in-flight workers abort at their next stage boundary.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	var req dto.CancelJobRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}
	}

	detail := "Cancellation requested"
	if req.Reason != "" {
		detail = "Cancellation requested: " + req.Reason
	}

	applied, err := h.reporter.Report(c.Request.Context(), report.StatusReport{
		JobID:      jobID,
		Status:     job.StatusCancelled,
		Detail:     detail,
		Originator: job.OriginatorClient,
	})
	if err != nil {
		h.respondStoreError(c, jobID, err, "Failed to cancel job")
		return
	}

	if !applied {
		j, err := h.store.GetJob(c.Request.Context(), jobID)
		if err != nil {
			h.respondStoreError(c, jobID, err, "Failed to get job")
			return
		}
		c.JSON(http.StatusOK, dto.CancelJobResponse{
			JobID:  jobID,
			Result: "already_terminal",
			Status: string(j.Status),
		})
		return
	}

	h.logger.Info("Job cancelled",
		slog.String("job_id", jobID),
		slog.String("reason", req.Reason),
	)

	notice, err := json.Marshal(job.CancelNotice{JobID: jobID, Reason: req.Reason})
	if err == nil {
		err = h.broker.Broadcast(c.Request.Context(), h.queues.CancelTopic, notice)
	}
	if err != nil {
		// Workers still converge: their next stage report is rejected.
		h.logger.Error("Failed to broadcast cancel notice",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	c.JSON(http.StatusAccepted, dto.CancelJobResponse{
		JobID:  jobID,
		Result: "accepted",
	})
}

// ReportStatus handles POST /api/v1/jobs/status
// The worker reporting endpoint: applies one status transition and answers
// whether it took effect. Safe to repeat.
func (h *JobHandler) ReportStatus(c *gin.Context) {
	var req dto.StatusReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid status report", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	status, err := job.ParseStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown status value",
		})
		return
	}

	applied, err := h.reporter.Report(c.Request.Context(), report.StatusReport{
		JobID:        req.JobID,
		Status:       status,
		Detail:       req.Detail,
		Originator:   req.Originator,
		Attempt:      req.Attempt,
		Artifacts:    req.Artifacts,
		ErrorKind:    req.ErrorKind,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		h.respondStoreError(c, req.JobID, err, "Failed to apply status report")
		return
	}

	result := report.ResultRejected
	if applied {
		result = report.ResultApplied
	}

	h.logger.Debug("Status report handled",
		slog.String("job_id", req.JobID),
		slog.String("status", req.Status),
		slog.String("result", result),
	)

	c.JSON(http.StatusOK, dto.StatusReportResponse{Result: result})
}

// respondStoreError maps store errors onto the external vocabulary: unknown
// ids are 404, everything else is a 500 with a generic message.
func (h *JobHandler) respondStoreError(c *gin.Context, jobID string, err error, msg string) {
	if errors.Is(err, job.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	}
	h.logger.Error(msg,
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": msg,
	})
}

func toJobDTO(j *job.Job) dto.JobDTO {
	return dto.JobDTO{
		JobID:            j.JobID,
		Status:           string(j.Status),
		Detail:           j.Detail,
		SourceType:       j.SourceType,
		SourceURI:        j.SourceURI,
		OriginalFilename: j.OriginalFilename,
		Options: dto.JobOptions{
			SourceLang: j.Options.SourceLang,
			TargetLang: j.Options.TargetLang,
		},
		RetryCount:       j.RetryCount,
		LastErrorKind:    j.LastErrorKind,
		LastErrorMessage: j.LastErrorMessage,
		CreatedAt:        j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        j.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
