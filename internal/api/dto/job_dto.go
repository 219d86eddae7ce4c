package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/formrelay/internal/pipeline/dispatcher"
	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
)

type SubmitResponse struct {
	Status     string `json:"status"`
	ID         string `json:"id"`
	JobType    string `json:"job_type"`
	ExternalID string `json:"external_id,omitempty"`
}

type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	ID            string          `json:"id"`
	Origin        string          `json:"origin"`
	ExternalID    string          `json:"external_id"`
	JobType       string          `json:"job_type"`
	Status        string          `json:"status"`
	RunRetries    int             `json:"run_retries"`
	Error         string          `json:"error,omitempty"`
	LastRetriedAt string          `json:"last_retried_at,omitempty"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type StatsRequest struct {
	JobTypes []string `form:"job_type"`
}

type StatsResponse struct {
	Origin string           `json:"origin"`
	Counts map[string]int64 `json:"counts"`
	Total  int64            `json:"total"`
}

type ReplayRequest struct {
	ExternalIDs []string `json:"external_ids" binding:"required,min=1,dive,required"`
}

type ResetRequest struct {
	ExternalIDs []string `json:"external_ids"`
	IDs         []string `json:"ids"`
	Status      string   `json:"status" binding:"required"`
}

type ResetResponse struct {
	Status  string `json:"status"`
	Updated int64  `json:"updated"`
}

type FailureDTO struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	JobType    string `json:"job_type"`
	Error      string `json:"error"`
}

type ReportDTO struct {
	Origin    string       `json:"origin"`
	Cycle     string       `json:"cycle"`
	Selected  int          `json:"selected"`
	Processed []string     `json:"processed"`
	Completed int          `json:"completed"`
	Skipped   int          `json:"skipped"`
	Failed    []FailureDTO `json:"failed"`
	NotFound  []string     `json:"not_found,omitempty"`
	ElapsedMS int64        `json:"elapsed_ms"`
}

// NewJobDTO converts a job; the payload is only included when withPayload is set.
func NewJobDTO(j *domain.Job, withPayload bool) JobDTO {
	out := JobDTO{
		ID:         j.ID,
		Origin:     j.Origin,
		ExternalID: j.ExternalID,
		JobType:    j.JobType,
		Status:     string(j.Status),
		RunRetries: j.RunRetries,
		Error:      j.Error,
		CreatedAt:  j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  j.UpdatedAt.Format(time.RFC3339),
	}
	if j.LastRetriedAt != nil {
		out.LastRetriedAt = j.LastRetriedAt.Format(time.RFC3339)
	}
	if withPayload {
		out.Payload = j.Payload
	}
	return out
}

func NewReportDTO(r *dispatcher.Report) ReportDTO {
	failed := make([]FailureDTO, len(r.Failed))
	for i, f := range r.Failed {
		failed[i] = FailureDTO{ID: f.ID, ExternalID: f.ExternalID, JobType: f.JobType, Error: f.Error}
	}
	return ReportDTO{
		Origin:    r.Origin,
		Cycle:     string(r.Cycle),
		Selected:  r.Selected,
		Processed: r.Processed,
		Completed: r.Completed,
		Skipped:   r.Skipped,
		Failed:    failed,
		NotFound:  r.NotFound,
		ElapsedMS: r.Elapsed.Milliseconds(),
	}
}
