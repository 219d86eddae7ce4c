package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
	"github.com/google/uuid"
)

var _ JobStore = (*MemoryStore)(nil)

type memoryJob struct {
	job domain.Job
	seq int64
}

// MemoryStore is an in-memory JobStore for tests and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*memoryJob
	seq  int64
	now  func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*memoryJob),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Insert(_ context.Context, nj domain.NewJob) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.seq++
	id := uuid.NewString()
	m.jobs[id] = &memoryJob{
		seq: m.seq,
		job: domain.Job{
			ID:         id,
			Origin:     nj.Origin,
			ExternalID: nj.ExternalID,
			JobType:    nj.JobType,
			Payload:    slices.Clone(nj.Payload),
			Status:     domain.StatusNew,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}
	return id, nil
}

func (m *MemoryStore) Get(_ context.Context, origin, id string) (*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mj, ok := m.jobs[id]
	if !ok || mj.job.Origin != origin {
		return nil, domain.ErrJobNotFound
	}
	return copyJob(&mj.job), nil
}

func (m *MemoryStore) FindByStatusAndTypes(_ context.Context, q Query) ([]*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	candidates := m.filter(func(j *domain.Job) bool {
		if j.Origin != q.Origin || j.Status != q.Status {
			return false
		}
		if !slices.Contains(q.JobTypes, j.JobType) {
			return false
		}
		return q.MaxRetries <= 0 || j.RunRetries < q.MaxRetries
	})

	sort.Slice(candidates, func(i, k int) bool {
		a, b := candidates[i], candidates[k]
		if !a.job.UpdatedAt.Equal(b.job.UpdatedAt) {
			return a.job.UpdatedAt.Before(b.job.UpdatedAt)
		}
		return a.seq < b.seq
	})

	if q.Limit > 0 && len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
	}
	return toJobs(candidates), nil
}

func (m *MemoryStore) FindByExternalID(_ context.Context, origin, externalID string) ([]*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := m.filter(func(j *domain.Job) bool {
		return j.Origin == origin && j.ExternalID == externalID
	})
	sort.Slice(matches, func(i, k int) bool { return matches[i].seq < matches[k].seq })
	return toJobs(matches), nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := m.filter(func(j *domain.Job) bool {
		if j.Origin != f.Origin {
			return false
		}
		if f.Status != "" && j.Status != f.Status {
			return false
		}
		if f.JobType != "" && j.JobType != f.JobType {
			return false
		}
		if f.Cursor != nil {
			if j.CreatedAt.After(f.Cursor.CreatedAt) {
				return false
			}
			if j.CreatedAt.Equal(f.Cursor.CreatedAt) && j.ID >= f.Cursor.ID {
				return false
			}
		}
		return true
	})

	sort.Slice(matches, func(i, k int) bool {
		a, b := matches[i].job, matches[k].job
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	// one extra row tells the caller there is a next page
	if f.PageSize > 0 && len(matches) > f.PageSize+1 {
		matches = matches[:f.PageSize+1]
	}
	return toJobs(matches), nil
}

func (m *MemoryStore) CountByStatus(_ context.Context, origin string, jobTypes []string) (map[domain.Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[domain.Status]int64)
	for _, mj := range m.jobs {
		if mj.job.Origin != origin {
			continue
		}
		if len(jobTypes) > 0 && !slices.Contains(jobTypes, mj.job.JobType) {
			continue
		}
		counts[mj.job.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) Claim(_ context.Context, origin, id string, from domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mj, ok := m.jobs[id]
	if !ok || mj.job.Origin != origin || mj.job.Status != from {
		return domain.ErrClaimLost
	}
	mj.job.Status = domain.StatusProcessing
	mj.job.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, origin, id string, status domain.Status, u domain.Update) error {
	if err := domain.ValidateTransition(domain.StatusProcessing, status); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	mj, ok := m.jobs[id]
	if !ok || mj.job.Origin != origin {
		return fmt.Errorf("%w: job %s not found", domain.ErrUpdateFailed, id)
	}
	if mj.job.Status != domain.StatusProcessing {
		return fmt.Errorf("%w: job %s is %s, not processing", domain.ErrUpdateFailed, id, mj.job.Status)
	}
	mj.job.Status = status
	if u.Error != nil {
		mj.job.Error = *u.Error
	}
	if u.RunRetries != nil {
		mj.job.RunRetries = *u.RunRetries
	}
	if u.LastRetriedAt != nil {
		t := *u.LastRetriedAt
		mj.job.LastRetriedAt = &t
	}
	mj.job.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Reset(_ context.Context, origin string, sel Selector, status domain.Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := m.now()
	for _, mj := range m.jobs {
		if mj.job.Origin != origin {
			continue
		}
		if !slices.Contains(sel.IDs, mj.job.ID) && !slices.Contains(sel.ExternalIDs, mj.job.ExternalID) {
			continue
		}
		mj.job.Status = status
		mj.job.RunRetries = 0
		mj.job.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) filter(keep func(*domain.Job) bool) []*memoryJob {
	out := make([]*memoryJob, 0)
	for _, mj := range m.jobs {
		if keep(&mj.job) {
			out = append(out, mj)
		}
	}
	return out
}

func toJobs(in []*memoryJob) []*domain.Job {
	jobs := make([]*domain.Job, len(in))
	for i, mj := range in {
		jobs[i] = copyJob(&mj.job)
	}
	return jobs
}

// copyJob returns a copy so callers can mutate without racing with the store.
func copyJob(j *domain.Job) *domain.Job {
	cp := *j
	cp.Payload = slices.Clone(j.Payload)
	if j.LastRetriedAt != nil {
		t := *j.LastRetriedAt
		cp.LastRetriedAt = &t
	}
	return &cp
}
