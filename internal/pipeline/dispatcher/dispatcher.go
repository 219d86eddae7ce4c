package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cuongbtq/formrelay/internal/pipeline/delivery"
	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
	"github.com/cuongbtq/formrelay/internal/pipeline/storage"
	"github.com/cuongbtq/formrelay/internal/pipeline/transform"
)

const (
	DefaultBatchSize         = 50
	DefaultRetryLimit        = 3
	DefaultFanOutConcurrency = 50
	DefaultReplayConcurrency = 100
)

// OriginPolicy holds the per-origin dispatch settings.
type OriginPolicy struct {
	Name       string
	BatchSize  int
	RetryLimit int
	// JobTypes narrows the registry allow-list for this origin. Empty means
	// every registered job type.
	JobTypes []string
}

// Config holds dispatcher dependencies and limits.
type Config struct {
	Store             storage.JobStore
	Registry          *transform.Registry
	Client            delivery.Client
	Logger            *slog.Logger
	Origins           []OriginPolicy
	FanOutConcurrency int
	ReplayConcurrency int
	// RecordTimeout bounds the transform and delivery of one record. Zero
	// means no limit beyond the caller's context.
	RecordTimeout time.Duration
}

// Dispatcher runs bounded dispatch, retry and replay cycles. Every cycle goes
// through the same processRecord path.
type Dispatcher struct {
	store         storage.JobStore
	registry      *transform.Registry
	client        delivery.Client
	logger        *slog.Logger
	origins       map[string]OriginPolicy
	fanOut        int
	replay        int
	recordTimeout time.Duration
	now           func() time.Time
}

// New validates cfg and resolves each origin's allow-list against the registry.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil || cfg.Registry == nil || cfg.Client == nil {
		return nil, errors.New("dispatcher needs a store, a registry and a delivery client")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Dispatcher{
		store:         cfg.Store,
		registry:      cfg.Registry,
		client:        cfg.Client,
		logger:        cfg.Logger.With(slog.String("component", "dispatcher")),
		origins:       make(map[string]OriginPolicy, len(cfg.Origins)),
		fanOut:        cfg.FanOutConcurrency,
		replay:        cfg.ReplayConcurrency,
		recordTimeout: cfg.RecordTimeout,
		now:           func() time.Time { return time.Now().UTC() },
	}
	if d.fanOut <= 0 {
		d.fanOut = DefaultFanOutConcurrency
	}
	if d.replay <= 0 {
		d.replay = DefaultReplayConcurrency
	}

	for _, p := range cfg.Origins {
		if p.BatchSize <= 0 {
			p.BatchSize = DefaultBatchSize
		}
		if p.RetryLimit <= 0 {
			p.RetryLimit = DefaultRetryLimit
		}

		registered := cfg.Registry.JobTypes(p.Name)
		if len(registered) == 0 {
			return nil, fmt.Errorf("origin %s has no registered job types", p.Name)
		}
		if len(p.JobTypes) == 0 {
			p.JobTypes = registered
		} else {
			for _, jt := range p.JobTypes {
				if !slices.Contains(registered, jt) {
					return nil, fmt.Errorf("origin %s: %w: %s", p.Name, domain.ErrUnknownJobType, jt)
				}
			}
			p.JobTypes = slices.Clone(p.JobTypes)
		}
		d.origins[p.Name] = p
	}

	return d, nil
}

// Policy returns the resolved policy of origin.
func (d *Dispatcher) Policy(origin string) (OriginPolicy, error) {
	p, ok := d.origins[origin]
	if !ok {
		return OriginPolicy{}, fmt.Errorf("%w: %s", domain.ErrUnknownOrigin, origin)
	}
	return p, nil
}

// Origins returns the configured origin names.
func (d *Dispatcher) Origins() []string {
	names := make([]string, 0, len(d.origins))
	for name := range d.origins {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Dispatch processes one batch of new jobs of origin.
func (d *Dispatcher) Dispatch(ctx context.Context, origin string) (*Report, error) {
	return d.runCycle(ctx, origin, CycleDispatch)
}

// Retry processes one batch of failed jobs still below the retry limit.
func (d *Dispatcher) Retry(ctx context.Context, origin string) (*Report, error) {
	return d.runCycle(ctx, origin, CycleRetry)
}

func (d *Dispatcher) runCycle(ctx context.Context, origin string, cycle Cycle) (*Report, error) {
	p, err := d.Policy(origin)
	if err != nil {
		return nil, err
	}

	q := storage.Query{
		Origin:   origin,
		Status:   domain.StatusNew,
		JobTypes: p.JobTypes,
		Limit:    p.BatchSize,
	}
	if cycle == CycleRetry {
		q.Status = domain.StatusFailed
		q.MaxRetries = p.RetryLimit
	}

	start := time.Now()
	jobs, err := d.store.FindByStatusAndTypes(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s jobs for %s: %w", q.Status, origin, err)
	}

	report := newReport(origin, cycle)
	report.Selected = len(jobs)

	d.logger.Info("Dispatch cycle started",
		slog.String("origin", origin),
		slog.String("cycle", string(cycle)),
		slog.Int("selected", len(jobs)),
	)

	for _, job := range jobs {
		if ctx.Err() != nil {
			d.logger.Warn("Dispatch cycle interrupted",
				slog.String("origin", origin),
				slog.Any("error", ctx.Err()),
			)
			break
		}
		report.add(d.processRecord(ctx, job, cycle, nil))
	}

	report.Elapsed = time.Since(start)
	d.logReport(report)
	return report, nil
}

func (d *Dispatcher) logReport(r *Report) {
	d.logger.Info("Dispatch cycle finished",
		slog.String("origin", r.Origin),
		slog.String("cycle", string(r.Cycle)),
		slog.Int("selected", r.Selected),
		slog.Int("completed", r.Completed),
		slog.Int("failed", len(r.Failed)),
		slog.Int("skipped", r.Skipped),
		slog.Duration("elapsed", r.Elapsed),
	)
}
