package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/formrelay/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.source.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Trigger consumer started",
		slog.String("consumer_tag", w.workerID),
	)

	return deliveries, nil
}

// parseTrigger decodes and validates a delivery body against the configured
// origins.
func (w *Worker) parseTrigger(body []byte) (domain.Trigger, error) {
	var t domain.Trigger
	if err := json.Unmarshal(body, &t); err != nil {
		return t, fmt.Errorf("%w: %v", domain.ErrInvalidTrigger, err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	if !w.origins[t.Origin] {
		return t, fmt.Errorf("%w: unknown origin %q", domain.ErrInvalidTrigger, t.Origin)
	}
	return t, nil
}

// startMessageDispatcher hands deliveries to the pool. It reports whether it
// stopped because the delivery channel closed.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return false

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Trigger delivery channel closed")
				return true
			}

			trigger, err := w.parseTrigger(delivery.Body)
			if err != nil {
				w.logger.Error("Dropping invalid trigger",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK invalid trigger",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			select {
			case w.jobsChan <- &domain.TriggerMessage{Trigger: trigger, Delivery: delivery}:
			case <-ctx.Done():
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK trigger on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return false
			}
		}
	}
}
