package dispatcher

import (
	"sync"
	"time"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
)

// Cycle names the selection that produced a batch.
type Cycle string

const (
	CycleDispatch Cycle = "dispatch"
	CycleRetry    Cycle = "retry"
	CycleReplay   Cycle = "replay"
)

// ParseCycle accepts the trigger names used on the wire.
func ParseCycle(s string) (Cycle, bool) {
	switch c := Cycle(s); c {
	case CycleDispatch, CycleRetry:
		return c, true
	default:
		return "", false
	}
}

// RecordFailure is one job that ended the cycle failed.
type RecordFailure struct {
	ID         string
	ExternalID string
	JobType    string
	Error      string
}

// Report summarises one cycle.
type Report struct {
	Origin   string
	Cycle    Cycle
	Selected int
	// Processed lists the ids of jobs this cycle claimed and finished.
	Processed []string
	Completed int
	// Skipped counts jobs another dispatcher claimed first.
	Skipped  int
	Failed   []RecordFailure
	NotFound []string
	Elapsed  time.Duration

	mu sync.Mutex
}

type outcome struct {
	job     *domain.Job
	status  domain.Status
	err     error
	skipped bool
}

func newReport(origin string, cycle Cycle) *Report {
	return &Report{Origin: origin, Cycle: cycle, Processed: []string{}, Failed: []RecordFailure{}}
}

func (r *Report) add(o outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o.skipped {
		r.Skipped++
		return
	}

	r.Processed = append(r.Processed, o.job.ID)
	switch {
	case o.status == domain.StatusCompleted && o.err == nil:
		r.Completed++
	default:
		msg := ""
		if o.err != nil {
			msg = o.err.Error()
		}
		r.Failed = append(r.Failed, RecordFailure{
			ID:         o.job.ID,
			ExternalID: o.job.ExternalID,
			JobType:    o.job.JobType,
			Error:      msg,
		})
	}
}
