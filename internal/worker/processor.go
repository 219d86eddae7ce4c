package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/formrelay/internal/pipeline/dispatcher"
	pipeline "github.com/cuongbtq/formrelay/internal/pipeline/domain"
	"github.com/cuongbtq/formrelay/internal/worker/domain"
)

// cycleGate coalesces triggers for a cycle that is already running. A
// trigger arriving mid-cycle asks the running goroutine for one more pass.
type cycleGate struct {
	mu    sync.Mutex
	rerun map[domain.Trigger]bool
}

func newCycleGate() *cycleGate {
	return &cycleGate{rerun: make(map[domain.Trigger]bool)}
}

// enter reports whether the caller owns the cycle.
func (g *cycleGate) enter(t domain.Trigger) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, running := g.rerun[t]; running {
		g.rerun[t] = true
		return false
	}
	g.rerun[t] = false
	return true
}

// leave reports whether another pass was requested. When it returns true
// the caller still owns the cycle.
func (g *cycleGate) leave(t domain.Trigger) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rerun[t] {
		g.rerun[t] = false
		return true
	}
	delete(g.rerun, t)
	return false
}

func (g *cycleGate) release(t domain.Trigger) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rerun, t)
}

// processTrigger runs the cycle named by t, repeating while coalesced
// triggers arrived during the run.
func (w *Worker) processTrigger(ctx context.Context, t domain.Trigger) error {
	for {
		if err := w.runCycle(ctx, t); err != nil {
			w.gate.release(t)
			return err
		}
		if ctx.Err() != nil {
			w.gate.release(t)
			return domain.NewRetryableError(ctx.Err())
		}
		if !w.gate.leave(t) {
			return nil
		}
		w.logger.Debug("Running coalesced cycle", slog.String("trigger", t.String()))
	}
}

func (w *Worker) runCycle(ctx context.Context, t domain.Trigger) error {
	if w.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cycleTimeout)
		defer cancel()
	}

	var (
		report *dispatcher.Report
		err    error
	)
	switch t.Mode {
	case domain.ModeRetry:
		report, err = w.runner.Retry(ctx, t.Origin)
	default:
		report, err = w.runner.Dispatch(ctx, t.Origin)
	}

	if err != nil {
		if errors.Is(err, pipeline.ErrStoreUnavailable) {
			return domain.NewRetryableError(err)
		}
		return fmt.Errorf("%s cycle failed: %w", t, err)
	}

	w.logger.Info("Cycle finished",
		slog.String("trigger", t.String()),
		slog.Int("selected", report.Selected),
		slog.Int("completed", report.Completed),
		slog.Int("failed", len(report.Failed)),
	)
	return nil
}
