package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Replay reprocesses every job carrying one of externalIDs, whatever its
// status, through the retry path. Jobs currently in processing are skipped.
// Identifiers that match nothing are listed in Report.NotFound. At most
// ReplayConcurrency deliveries are in flight across the whole replay,
// fan-out sub-records included.
func (d *Dispatcher) Replay(ctx context.Context, origin string, externalIDs []string) (*Report, error) {
	if _, err := d.Policy(origin); err != nil {
		return nil, err
	}

	start := time.Now()
	report := newReport(origin, CycleReplay)

	seen := make(map[string]bool)
	var jobs []*domain.Job
	for _, extID := range externalIDs {
		found, err := d.store.FindByExternalID(ctx, origin, extID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up %s: %w", extID, err)
		}
		if len(found) == 0 {
			report.NotFound = append(report.NotFound, extID)
			continue
		}
		for _, job := range found {
			if !seen[job.ID] {
				seen[job.ID] = true
				jobs = append(jobs, job)
			}
		}
	}
	report.Selected = len(jobs)

	slots := semaphore.NewWeighted(int64(d.replay))

	var g errgroup.Group
	g.SetLimit(d.replay)
	for _, job := range jobs {
		if job.Status == domain.StatusProcessing {
			d.logger.Warn("Skipping replay of job in processing",
				slog.String("job_id", job.ID),
				slog.String("origin", origin),
			)
			report.add(outcome{job: job, skipped: true})
			continue
		}
		g.Go(func() error {
			report.add(d.processRecord(ctx, job, CycleReplay, slots))
			return nil
		})
	}
	_ = g.Wait()

	report.Elapsed = time.Since(start)
	d.logReport(report)
	return report, nil
}
