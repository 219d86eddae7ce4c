package handler

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cuongbtq/formrelay/internal/intake"
	"github.com/cuongbtq/formrelay/internal/pipeline/dispatcher"
	"github.com/cuongbtq/formrelay/internal/pipeline/storage"
)

// Intake accepts raw submissions; *intake.Service implements it.
type Intake interface {
	Submit(ctx context.Context, origin string, payload json.RawMessage) (*intake.Accepted, error)
}

// Pipeline runs cycles on demand; *dispatcher.Dispatcher implements it.
type Pipeline interface {
	Policy(origin string) (dispatcher.OriginPolicy, error)
	Dispatch(ctx context.Context, origin string) (*dispatcher.Report, error)
	Retry(ctx context.Context, origin string) (*dispatcher.Report, error)
	Replay(ctx context.Context, origin string, externalIDs []string) (*dispatcher.Report, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	ServiceName string
	Store       storage.JobStore
	Intake      Intake
	Pipeline    Pipeline
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger      *slog.Logger
	serviceName string
	store       storage.JobStore
	intake      Intake
	pipeline    Pipeline
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:      deps.Logger,
		serviceName: deps.ServiceName,
		store:       deps.Store,
		intake:      deps.Intake,
		pipeline:    deps.Pipeline,
	}
}
