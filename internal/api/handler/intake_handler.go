package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/formrelay/internal/api/dto"
	"github.com/cuongbtq/formrelay/internal/intake"
	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
	"github.com/gin-gonic/gin"
)

// Submit handles POST /api/v1/:origin/submissions
// Stores the raw submission and acknowledges it; processing happens later
func (h *JobHandler) Submit(c *gin.Context) {
	origin := c.Param("origin")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "Request body too large",
			})
			return
		}
		h.logger.Error("Failed to read request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	accepted, err := h.intake.Submit(c.Request.Context(), origin, body)
	switch {
	case err == nil:
	case errors.Is(err, intake.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	case errors.Is(err, domain.ErrUnknownJobType):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": err.Error(),
		})
		return
	case errors.Is(err, domain.ErrUnknownOrigin):
		c.JSON(http.StatusNotFound, gin.H{
			"error": err.Error(),
		})
		return
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to store submission",
		})
		return
	}

	c.JSON(http.StatusOK, dto.SubmitResponse{
		Status:     "accepted",
		ID:         accepted.ID,
		JobType:    accepted.JobType,
		ExternalID: accepted.ExternalID,
	})
}
