package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/formrelay/internal/worker/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned",
		slog.Int("worker_count", w.concurrency),
	)
}

func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)

	for {
		select {
		case <-w.stopChan:
			return

		case <-ctx.Done():
			return

		case msg := <-w.jobsChan:
			if !w.gate.enter(msg.Trigger) {
				// The running cycle picks this trigger up.
				w.ack(workerName, msg)
				continue
			}

			err := w.processTrigger(ctx, msg.Trigger)
			if err == nil {
				w.ack(workerName, msg)
				continue
			}

			requeue := w.shouldRequeue(err)
			w.logger.Error("Trigger processing failed",
				slog.String("worker_name", workerName),
				slog.String("trigger", msg.Trigger.String()),
				slog.String("error", err.Error()),
				slog.Bool("requeue", requeue),
			)

			if requeue && w.requeueDelay > 0 {
				select {
				case <-time.After(w.requeueDelay):
				case <-ctx.Done():
				}
			}

			if nackErr := msg.Delivery.Nack(false, requeue); nackErr != nil {
				w.logger.Error("Failed to NACK trigger",
					slog.String("worker_name", workerName),
					slog.String("error", nackErr.Error()),
				)
			}
		}
	}
}

func (w *Worker) ack(workerName string, msg *domain.TriggerMessage) {
	if err := msg.Delivery.Ack(false); err != nil {
		w.logger.Error("Failed to ACK trigger",
			slog.String("worker_name", workerName),
			slog.String("trigger", msg.Trigger.String()),
			slog.String("error", err.Error()),
		)
	}
}

// shouldRequeue keeps triggers whose cycle could not reach the store
func (w *Worker) shouldRequeue(err error) bool {
	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
