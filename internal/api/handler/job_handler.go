package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/formrelay/internal/api/dto"
	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
	"github.com/cuongbtq/formrelay/internal/pipeline/storage"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// GetByExternalID handles GET /api/v1/:origin/jobs/external/:external_id
func (h *JobHandler) GetByExternalID(c *gin.Context) {
	origin := c.Param("origin")
	externalID := c.Param("external_id")

	jobs, err := h.store.FindByExternalID(c.Request.Context(), origin, externalID)
	if err != nil {
		h.logger.Error("Failed to find jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to find jobs",
		})
		return
	}

	if len(jobs) == 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "No job found for external id",
		})
		return
	}

	out := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		out[i] = dto.NewJobDTO(job, true)
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

// ListJobs handles GET /api/v1/:origin/jobs
// Lists jobs newest first with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}
	h.listJobs(c, req)
}

// ListFailed handles GET /api/v1/:origin/failed
func (h *JobHandler) ListFailed(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}
	req.Status = string(domain.StatusFailed)
	h.listJobs(c, req)
}

func (h *JobHandler) listJobs(c *gin.Context, req dto.ListJobsRequest) {
	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	var status domain.Status
	if req.Status != "" {
		s, err := domain.ParseStatus(req.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		status = s
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.List(c.Request.Context(), storage.ListFilter{
		Origin:   c.Param("origin"),
		Status:   status,
		JobType:  req.JobType,
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

	// The store returns one extra row when another page exists.
	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = dto.NewJobDTO(job, false)
	}

	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&storage.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}

	c.JSON(http.StatusOK, resp)
}

// Stats handles GET /api/v1/:origin/stats
// Counts jobs per status, optionally restricted to ?job_type=... values
func (h *JobHandler) Stats(c *gin.Context) {
	origin := c.Param("origin")

	var req dto.StatsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	counts, err := h.store.CountByStatus(c.Request.Context(), origin, req.JobTypes)
	if err != nil {
		h.logger.Error("Failed to count jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to count jobs",
		})
		return
	}

	resp := dto.StatsResponse{Origin: origin, Counts: make(map[string]int64, len(domain.AllStatuses))}
	for _, s := range domain.AllStatuses {
		resp.Counts[string(s)] = counts[s]
		resp.Total += counts[s]
	}

	c.JSON(http.StatusOK, resp)
}

// Reset handles POST /api/v1/:origin/reset
// Force-writes a status with run_retries=0, bypassing the state machine
func (h *JobHandler) Reset(c *gin.Context) {
	origin := c.Param("origin")

	var req dto.ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	status, err := domain.ParseStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	sel := storage.Selector{IDs: req.IDs, ExternalIDs: req.ExternalIDs}
	if sel.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "ids or external_ids is required",
		})
		return
	}

	n, err := h.store.Reset(c.Request.Context(), origin, sel, status)
	if err != nil {
		h.logger.Error("Failed to reset jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to reset jobs",
		})
		return
	}

	h.logger.Warn("Jobs reset",
		slog.String("origin", origin),
		slog.String("status", string(status)),
		slog.Int64("updated", n),
	)

	c.JSON(http.StatusOK, dto.ResetResponse{Status: string(status), Updated: n})
}

// Health handles GET /health
func (h *JobHandler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("Health check failed", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"service": h.serviceName,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": h.serviceName,
	})
}
