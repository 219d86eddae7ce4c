package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
)

// JobStore is the only access path to job records. Implementations must be
// safe for concurrent use.
type JobStore interface {
	// Insert persists a new job with status new and zero retries.
	Insert(ctx context.Context, job domain.NewJob) (string, error)

	// Get returns a single job by id.
	Get(ctx context.Context, origin, id string) (*domain.Job, error)

	// FindByStatusAndTypes returns at most q.Limit jobs matching q, least
	// recently updated first.
	FindByStatusAndTypes(ctx context.Context, q Query) ([]*domain.Job, error)

	// FindByExternalID returns every job carrying the caller-supplied identifier.
	FindByExternalID(ctx context.Context, origin, externalID string) ([]*domain.Job, error)

	// List pages through jobs newest first.
	List(ctx context.Context, filter ListFilter) ([]*domain.Job, error)

	// CountByStatus aggregates job counts per status.
	CountByStatus(ctx context.Context, origin string, jobTypes []string) (map[domain.Status]int64, error)

	// Claim moves a job to processing only if it is still in status from.
	// Returns domain.ErrClaimLost when no record matched.
	Claim(ctx context.Context, origin, id string, from domain.Status) error

	// UpdateStatus commits the outcome of a claimed job: it moves a job that
	// is still in processing to status and merges the non-nil fields of
	// update. Returns domain.ErrInvalidTransition for a status processing
	// cannot move to, and domain.ErrUpdateFailed when the job is missing,
	// unreachable or no longer processing.
	UpdateStatus(ctx context.Context, origin, id string, status domain.Status, update domain.Update) error

	// Reset force-writes status with run_retries=0 for the selected jobs,
	// bypassing the state machine. Returns the number of jobs touched.
	Reset(ctx context.Context, origin string, sel Selector, status domain.Status) (int64, error)

	Ping(ctx context.Context) error
}

// Query selects dispatchable jobs.
type Query struct {
	Origin   string
	Status   domain.Status
	JobTypes []string
	// MaxRetries, when positive, keeps only jobs with run_retries < MaxRetries.
	MaxRetries int
	Limit      int
}

// ListFilter filters and paginates List.
type ListFilter struct {
	Origin   string
	Status   domain.Status
	JobType  string
	PageSize int
	Cursor   *Cursor
}

// Cursor marks the last job of the previous page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Selector picks jobs for Reset by id and/or external id.
type Selector struct {
	IDs         []string
	ExternalIDs []string
}

// Empty reports whether the selector matches nothing.
func (s Selector) Empty() bool {
	return len(s.IDs) == 0 && len(s.ExternalIDs) == 0
}
