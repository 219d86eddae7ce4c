package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/formrelay/internal/api/dto"
	"github.com/cuongbtq/formrelay/internal/pipeline/dispatcher"
	"github.com/gin-gonic/gin"
)

// Dispatch handles POST /api/v1/:origin/dispatch
// Runs one bounded batch of new jobs. Per-record failures are listed in the
// body, not reflected in the status code
func (h *JobHandler) Dispatch(c *gin.Context) {
	h.runCycle(c, h.pipeline.Dispatch)
}

// Retry handles POST /api/v1/:origin/retry
func (h *JobHandler) Retry(c *gin.Context) {
	h.runCycle(c, h.pipeline.Retry)
}

func (h *JobHandler) runCycle(c *gin.Context, run func(context.Context, string) (*dispatcher.Report, error)) {
	origin := c.Param("origin")

	// the batch runs to completion even if the caller hangs up
	report, err := run(context.WithoutCancel(c.Request.Context()), origin)
	if err != nil {
		h.logger.Error("Cycle failed",
			slog.String("origin", origin),
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to run cycle",
		})
		return
	}

	c.JSON(http.StatusOK, dto.NewReportDTO(report))
}

// Replay handles GET and POST /api/v1/:origin/replay/:external_id
func (h *JobHandler) Replay(c *gin.Context) {
	h.replay(c, []string{c.Param("external_id")})
}

// ReplayBatch handles POST /api/v1/:origin/replay
func (h *JobHandler) ReplayBatch(c *gin.Context) {
	var req dto.ReplayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "external_ids must list at least one identifier",
		})
		return
	}

	h.replay(c, req.ExternalIDs)
}

func (h *JobHandler) replay(c *gin.Context, externalIDs []string) {
	origin := c.Param("origin")

	report, err := h.pipeline.Replay(context.WithoutCancel(c.Request.Context()), origin, externalIDs)
	if err != nil {
		h.logger.Error("Replay failed",
			slog.String("origin", origin),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to replay jobs",
		})
		return
	}

	status := http.StatusOK
	if report.Selected == 0 && len(report.NotFound) > 0 {
		status = http.StatusNotFound
	}
	c.JSON(status, dto.NewReportDTO(report))
}
