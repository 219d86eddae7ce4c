package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var _ JobStore = (*SQLStore)(nil)

func init() {
	// modernc.org/sqlite registers as "sqlite", which sqlx does not know
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

const jobColumns = `id, origin, external_id, job_type, payload, status,
	run_retries, error, last_retried_at, created_at, updated_at`

type jobRow struct {
	ID            string       `db:"id"`
	Origin        string       `db:"origin"`
	ExternalID    string       `db:"external_id"`
	JobType       string       `db:"job_type"`
	Payload       string       `db:"payload"`
	Status        string       `db:"status"`
	RunRetries    int          `db:"run_retries"`
	Error         string       `db:"error"`
	LastRetriedAt sql.NullTime `db:"last_retried_at"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

func (r *jobRow) toDomain() *domain.Job {
	job := &domain.Job{
		ID:         r.ID,
		Origin:     r.Origin,
		ExternalID: r.ExternalID,
		JobType:    r.JobType,
		Payload:    []byte(r.Payload),
		Status:     domain.Status(r.Status),
		RunRetries: r.RunRetries,
		Error:      r.Error,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
	if r.LastRetriedAt.Valid {
		t := r.LastRetriedAt.Time.UTC()
		job.LastRetriedAt = &t
	}
	return job
}

// SQLStore is a JobStore over PostgreSQL or SQLite. All origins share the
// job_records table, partitioned by the origin column.
type SQLStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLStore creates a new SQLStore instance
func NewSQLStore(db *sqlx.DB, logger *slog.Logger) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Insert persists a new job in status new
func (s *SQLStore) Insert(ctx context.Context, nj domain.NewJob) (string, error) {
	query := s.db.Rebind(`
		INSERT INTO job_records (
			id, origin, external_id, job_type, payload, status,
			run_retries, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?)
	`)

	id := uuid.NewString()
	now := s.now()
	_, err := s.db.ExecContext(ctx, query,
		id, nj.Origin, nj.ExternalID, nj.JobType, string(nj.Payload), string(domain.StatusNew), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", storeErr(err))
	}

	return id, nil
}

// Get retrieves a job by its ID
func (s *SQLStore) Get(ctx context.Context, origin, id string) (*domain.Job, error) {
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM job_records WHERE origin = ? AND id = ?`)

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, origin, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", storeErr(err))
	}
	return row.toDomain(), nil
}

// FindByStatusAndTypes selects dispatchable jobs, least recently touched first
// so that repeated calls rotate through every eligible job.
func (s *SQLStore) FindByStatusAndTypes(ctx context.Context, q Query) ([]*domain.Job, error) {
	if len(q.JobTypes) == 0 {
		return []*domain.Job{}, nil
	}

	query := `SELECT ` + jobColumns + ` FROM job_records
		WHERE origin = ? AND status = ? AND job_type IN (?)`
	args := []any{q.Origin, string(q.Status), q.JobTypes}

	if q.MaxRetries > 0 {
		query += ` AND run_retries < ?`
		args = append(args, q.MaxRetries)
	}

	query += ` ORDER BY updated_at ASC, created_at ASC, id ASC`

	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	return s.selectJobs(ctx, query, args...)
}

// FindByExternalID returns all jobs for a caller-supplied identifier
func (s *SQLStore) FindByExternalID(ctx context.Context, origin, externalID string) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job_records
		WHERE origin = ? AND external_id = ?
		ORDER BY created_at ASC, id ASC`
	return s.selectJobs(ctx, query, origin, externalID)
}

// List pages through jobs ordered by created_at DESC, id DESC. It fetches
// one extra row to tell the caller whether more results exist.
func (s *SQLStore) List(ctx context.Context, f ListFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job_records WHERE origin = ?`
	args := []any{f.Origin}

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}

	if f.JobType != "" {
		query += ` AND job_type = ?`
		args = append(args, f.JobType)
	}

	if f.Cursor != nil {
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, f.Cursor.CreatedAt, f.Cursor.CreatedAt, f.Cursor.ID)
	}

	query += ` ORDER BY created_at DESC, id DESC`

	if f.PageSize > 0 {
		query += ` LIMIT ?`
		args = append(args, f.PageSize+1)
	}

	return s.selectJobs(ctx, query, args...)
}

// CountByStatus returns job counts per status, optionally restricted to job types
func (s *SQLStore) CountByStatus(ctx context.Context, origin string, jobTypes []string) (map[domain.Status]int64, error) {
	query := `SELECT status, COUNT(*) AS total FROM job_records WHERE origin = ?`
	args := []any{origin}

	if len(jobTypes) > 0 {
		query += ` AND job_type IN (?)`
		args = append(args, jobTypes)
	}
	query += ` GROUP BY status`

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build count query: %w", err)
	}

	var rows []struct {
		Status string `db:"status"`
		Total  int64  `db:"total"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", storeErr(err))
	}

	counts := make(map[domain.Status]int64, len(rows))
	for _, r := range rows {
		counts[domain.Status(r.Status)] = r.Total
	}
	return counts, nil
}

// Claim attempts to claim a job with a conditional update. Returns
// domain.ErrClaimLost when the job is gone or no longer in status from.
func (s *SQLStore) Claim(ctx context.Context, origin, id string, from domain.Status) error {
	query := s.db.Rebind(`
		UPDATE job_records
		SET status = ?, updated_at = ?
		WHERE origin = ? AND id = ? AND status = ?
	`)

	result, err := s.db.ExecContext(ctx, query, string(domain.StatusProcessing), s.now(), origin, id, string(from))
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", storeErr(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Failed to claim job - already claimed or not found",
			slog.String("job_id", id),
			slog.String("origin", origin),
			slog.String("expected_status", string(from)),
		)
		return domain.ErrClaimLost
	}

	return nil
}

// UpdateStatus commits the outcome of a claimed job and merges the optional
// fields. The write only matches a job still in processing.
func (s *SQLStore) UpdateStatus(ctx context.Context, origin, id string, status domain.Status, u domain.Update) error {
	if err := domain.ValidateTransition(domain.StatusProcessing, status); err != nil {
		return err
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), s.now()}

	if u.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *u.Error)
	}
	if u.RunRetries != nil {
		sets = append(sets, "run_retries = ?")
		args = append(args, *u.RunRetries)
	}
	if u.LastRetriedAt != nil {
		sets = append(sets, "last_retried_at = ?")
		args = append(args, u.LastRetriedAt.UTC())
	}

	query := s.db.Rebind(`UPDATE job_records SET ` + strings.Join(sets, ", ") + ` WHERE origin = ? AND id = ? AND status = ?`)
	args = append(args, origin, id, string(domain.StatusProcessing))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpdateFailed, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpdateFailed, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: job %s not found or not processing", domain.ErrUpdateFailed, id)
	}

	return nil
}

// Reset force-writes status and zeroes run_retries for the selected jobs
func (s *SQLStore) Reset(ctx context.Context, origin string, sel Selector, status domain.Status) (int64, error) {
	if sel.Empty() {
		return 0, nil
	}

	var conds []string
	args := []any{string(status), s.now(), origin}
	if len(sel.IDs) > 0 {
		conds = append(conds, "id IN (?)")
		args = append(args, sel.IDs)
	}
	if len(sel.ExternalIDs) > 0 {
		conds = append(conds, "external_id IN (?)")
		args = append(args, sel.ExternalIDs)
	}

	query, args, err := sqlx.In(`
		UPDATE job_records
		SET status = ?, run_retries = 0, updated_at = ?
		WHERE origin = ? AND (`+strings.Join(conds, " OR ")+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to build reset query: %w", err)
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset jobs: %w", storeErr(err))
	}

	return result.RowsAffected()
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLStore) selectJobs(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to select jobs: %w", storeErr(err))
	}

	jobs := make([]*domain.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toDomain()
	}
	return jobs, nil
}

// storeErr marks connectivity failures as domain.ErrStoreUnavailable so the
// intake boundary can fail closed with a 500.
func storeErr(err error) error {
	var netErr net.Error
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return err
}
