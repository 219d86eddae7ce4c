package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/formrelay/internal/worker/domain"
)

// MessagePublisher is the broker side of trigger publishing;
// *rabbitmq.Client implements it.
type MessagePublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Publisher sends triggers. It also serves intake as the accepted-job
// notifier.
type Publisher struct {
	mq     MessagePublisher
	logger *slog.Logger
}

// NewPublisher creates a trigger publisher
func NewPublisher(mq MessagePublisher, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{mq: mq, logger: logger}
}

// Publish sends t.
func (p *Publisher) Publish(ctx context.Context, t domain.Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	if err := p.mq.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish %s trigger: %w", t, err)
	}

	p.logger.Debug("Trigger published", slog.String("trigger", t.String()))
	return nil
}

// JobAccepted requests a dispatch cycle for origin.
func (p *Publisher) JobAccepted(ctx context.Context, origin string) error {
	return p.Publish(ctx, domain.Trigger{Origin: origin, Mode: domain.ModeDispatch})
}
