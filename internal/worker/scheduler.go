package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/formrelay/internal/worker/domain"
)

// TriggerPublisher publishes one trigger.
type TriggerPublisher interface {
	Publish(ctx context.Context, t domain.Trigger) error
}

// Scheduler optionally publishes dispatch and retry triggers for every origin
// on fixed intervals, the same triggers cron or intake would publish.
// Triggers go through the broker so that only one worker runs each cycle.
type Scheduler struct {
	publisher        TriggerPublisher
	origins          []string
	dispatchInterval time.Duration
	retryInterval    time.Duration
	logger           *slog.Logger
}

// NewScheduler creates a scheduler. A zero interval disables that mode.
func NewScheduler(publisher TriggerPublisher, origins []string, dispatchInterval, retryInterval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		publisher:        publisher,
		origins:          origins,
		dispatchInterval: dispatchInterval,
		retryInterval:    retryInterval,
		logger:           logger.With(slog.String("component", "scheduler")),
	}
}

// Run blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	dispatchTick := tickerChan(s.dispatchInterval)
	retryTick := tickerChan(s.retryInterval)
	if dispatchTick.c == nil && retryTick.c == nil {
		s.logger.Info("Scheduler disabled")
		return
	}
	defer dispatchTick.stop()
	defer retryTick.stop()

	s.logger.Info("Scheduler started",
		slog.Duration("dispatch_interval", s.dispatchInterval),
		slog.Duration("retry_interval", s.retryInterval),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-dispatchTick.c:
			s.publishAll(ctx, domain.ModeDispatch)
		case <-retryTick.c:
			s.publishAll(ctx, domain.ModeRetry)
		}
	}
}

func (s *Scheduler) publishAll(ctx context.Context, mode string) {
	for _, origin := range s.origins {
		t := domain.Trigger{Origin: origin, Mode: mode}
		if err := s.publisher.Publish(ctx, t); err != nil {
			s.logger.Error("Failed to publish scheduled trigger",
				slog.String("trigger", t.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

type ticker struct {
	c    <-chan time.Time
	stop func()
}

// tickerChan returns a nil channel for a non-positive interval, which never
// fires in a select.
func tickerChan(d time.Duration) ticker {
	if d <= 0 {
		return ticker{stop: func() {}}
	}
	t := time.NewTicker(d)
	return ticker{c: t.C, stop: t.Stop}
}
