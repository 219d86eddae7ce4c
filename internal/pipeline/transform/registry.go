package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
)

// Func maps a raw payload to the operations that deliver it.
type Func func(payload json.RawMessage) ([]domain.Operation, error)

// Entry binds a job type of one origin to its transform and delivery mode.
type Entry struct {
	Origin    string
	JobType   string
	Mode      domain.Mode
	Transform Func
}

type entryKey struct {
	origin  string
	jobType string
}

// Registry is the single source of truth for which job types exist and how
// they are delivered. The intake allow-list is derived from it.
type Registry struct {
	mu      sync.RWMutex
	entries map[entryKey]Entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[entryKey]Entry)}
}

// Register adds an entry. Registering the same origin and job type twice fails.
func (r *Registry) Register(e Entry) error {
	if e.Origin == "" || e.JobType == "" {
		return errors.New("transform entry needs an origin and a job type")
	}
	if e.Transform == nil {
		return fmt.Errorf("transform entry %s/%s has no transform", e.Origin, e.JobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := entryKey{e.Origin, e.JobType}
	if _, exists := r.entries[k]; exists {
		return fmt.Errorf("transform for %s/%s already registered", e.Origin, e.JobType)
	}
	r.entries[k] = e
	return nil
}

// MustRegister registers entries and panics on error. Intended for built-ins.
func (r *Registry) MustRegister(entries ...Entry) {
	for _, e := range entries {
		if err := r.Register(e); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the entry for origin and job type.
func (r *Registry) Lookup(origin, jobType string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[entryKey{origin, jobType}]
	return e, ok
}

// JobTypes returns the sorted allow-list of an origin.
func (r *Registry) JobTypes(origin string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var types []string
	for k := range r.entries {
		if k.origin == origin {
			types = append(types, k.jobType)
		}
	}
	sort.Strings(types)
	return types
}

// Origins returns every origin with at least one registered job type.
func (r *Registry) Origins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for k := range r.entries {
		seen[k.origin] = struct{}{}
	}
	origins := make([]string, 0, len(seen))
	for o := range seen {
		origins = append(origins, o)
	}
	sort.Strings(origins)
	return origins
}

// Plan runs the transform for a job and validates the result. Any failure is
// returned as a transform DeliveryError.
func (r *Registry) Plan(origin, jobType string, payload json.RawMessage) (domain.Plan, error) {
	e, ok := r.Lookup(origin, jobType)
	if !ok {
		return domain.Plan{}, domain.NewTransformError(jobType, fmt.Errorf("%w: %s/%s", domain.ErrUnknownJobType, origin, jobType))
	}

	ops, err := e.Transform(payload)
	if err != nil {
		return domain.Plan{}, domain.NewTransformError(jobType, err)
	}

	plan := domain.Plan{Mode: e.Mode, Operations: ops}
	if err := plan.Validate(); err != nil {
		return domain.Plan{}, domain.NewTransformError(jobType, err)
	}
	return plan, nil
}
