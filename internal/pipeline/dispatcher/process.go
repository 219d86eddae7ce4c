package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	payloadExcerpt = 256

	// commitTimeout bounds the outcome write, which runs detached from the
	// cycle context.
	commitTimeout = 10 * time.Second
)

// processRecord claims one job, delivers its plan and commits the outcome.
// Delivery and transform failures end up in the store, never in the caller.
// When slots is set, every delivery holds one of its permits.
func (d *Dispatcher) processRecord(ctx context.Context, job *domain.Job, cycle Cycle, slots *semaphore.Weighted) outcome {
	log := d.logger.With(
		slog.String("job_id", job.ID),
		slog.String("origin", job.Origin),
		slog.String("job_type", job.JobType),
		slog.String("cycle", string(cycle)),
	)

	if err := d.store.Claim(ctx, job.Origin, job.ID, job.Status); err != nil {
		if !errors.Is(err, domain.ErrClaimLost) {
			log.Error("Failed to claim job", slog.Any("error", err))
		}
		return outcome{job: job, skipped: true}
	}

	execCtx := ctx
	if d.recordTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, d.recordTimeout)
		defer cancel()
	}

	deliverErr := d.execute(execCtx, job, slots)

	status := domain.StatusCompleted
	update := domain.Update{Error: domain.String("")}
	if cycle != CycleDispatch {
		update.LastRetriedAt = domain.Time(d.now())
	}

	if deliverErr != nil {
		status = domain.StatusFailed
		update.Error = domain.String(deliverErr.Error())
		update.RunRetries = domain.Int(job.RunRetries + 1)

		attrs := []any{
			slog.String("kind", string(domain.KindOf(deliverErr))),
			slog.Int("run_retries", job.RunRetries+1),
			slog.Any("error", deliverErr),
		}
		if domain.KindOf(deliverErr) == domain.KindTransform {
			attrs = append(attrs, slog.String("payload", excerpt(job.Payload)))
		}
		log.Error("Job delivery failed", attrs...)
	}

	// a cancelled cycle must not strand the claimed job in processing. The
	// write is not retried within this pass; the next cycle sees whatever
	// was last committed.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := d.store.UpdateStatus(commitCtx, job.Origin, job.ID, status, update); err != nil {
		log.Error("Failed to update job status",
			slog.String("status", string(status)),
			slog.Any("error", err),
		)
		if deliverErr != nil {
			err = fmt.Errorf("%w (delivery error: %v)", err, deliverErr)
		}
		return outcome{job: job, status: status, err: err}
	}

	if deliverErr == nil {
		log.Info("Job completed")
	}
	return outcome{job: job, status: status, err: deliverErr}
}

// execute runs the job's plan. In sequential mode it stops at the first
// failing step; in fan-out mode every operation is attempted.
func (d *Dispatcher) execute(ctx context.Context, job *domain.Job, slots *semaphore.Weighted) error {
	plan, err := d.registry.Plan(job.Origin, job.JobType, job.Payload)
	if err != nil {
		return err
	}

	if plan.Mode == domain.ModeFanOut {
		return d.fanOutDeliver(ctx, plan.Operations, slots)
	}

	for _, op := range plan.Operations {
		if err := d.deliver(ctx, op, slots); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) fanOutDeliver(ctx context.Context, ops []domain.Operation, slots *semaphore.Weighted) error {
	errs := make([]error, len(ops))

	var g errgroup.Group
	g.SetLimit(d.fanOut)
	for i, op := range ops {
		g.Go(func() error {
			errs[i] = d.deliver(ctx, op, slots)
			// never abort siblings
			return nil
		})
	}
	_ = g.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &FanOutError{Total: len(ops), Errs: failed}
}

// deliver makes sure every failure carries a kind and the failing step.
func (d *Dispatcher) deliver(ctx context.Context, op domain.Operation, slots *semaphore.Weighted) error {
	if slots != nil {
		if err := slots.Acquire(ctx, 1); err != nil {
			return domain.NewTransportError(op.Name, err)
		}
		defer slots.Release(1)
	}

	err := d.client.Deliver(ctx, op)
	if err == nil {
		return nil
	}

	var de *domain.DeliveryError
	if !errors.As(err, &de) {
		return domain.NewTransportError(op.Name, err)
	}
	switch de.Op {
	case op.Name:
		return err
	case "":
		return &domain.DeliveryError{Kind: de.Kind, Op: op.Name, Err: de.Err}
	default:
		return &domain.DeliveryError{Kind: de.Kind, Op: op.Name, Err: fmt.Errorf("%s: %w", de.Op, de.Err)}
	}
}

// FanOutError aggregates the failed sub-records of a fan-out job.
type FanOutError struct {
	Total int
	Errs  []error
}

func (e *FanOutError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (e *FanOutError) Unwrap() []error {
	return e.Errs
}

func excerpt(payload []byte) string {
	if len(payload) <= payloadExcerpt {
		return string(payload)
	}
	return string(payload[:payloadExcerpt]) + "..."
}
