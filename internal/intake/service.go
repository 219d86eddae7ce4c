package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
	"github.com/cuongbtq/formrelay/internal/pipeline/storage"
)

// Notifier is told about every accepted job, e.g. to publish a dispatch
// trigger. Failures are logged and never fail the intake.
type Notifier interface {
	JobAccepted(ctx context.Context, origin string) error
}

// Service classifies, validates and stores inbound submissions. Processing
// happens later, in a dispatch cycle.
type Service struct {
	store       storage.JobStore
	classifiers map[string]Classifier
	allowLists  map[string][]string
	notifier    Notifier
	logger      *slog.Logger
}

// Origin binds a classifier to the job types accepted from an origin.
type Origin struct {
	Name       string
	Classifier Classifier
	JobTypes   []string
}

// NewService creates the intake service. notifier may be nil.
func NewService(store storage.JobStore, origins []Origin, notifier Notifier, logger *slog.Logger) *Service {
	s := &Service{
		store:       store,
		classifiers: make(map[string]Classifier, len(origins)),
		allowLists:  make(map[string][]string, len(origins)),
		notifier:    notifier,
		logger:      logger.With(slog.String("component", "intake")),
	}
	for _, o := range origins {
		s.classifiers[o.Name] = o.Classifier
		s.allowLists[o.Name] = o.JobTypes
	}
	return s
}

// Accepted describes a stored submission.
type Accepted struct {
	ID         string
	JobType    string
	ExternalID string
}

// Submit stores payload as a new job of origin. It returns ErrInvalidPayload,
// domain.ErrUnknownOrigin or domain.ErrUnknownJobType for rejected input and
// a wrapped store error when the job could not be persisted.
func (s *Service) Submit(ctx context.Context, origin string, payload json.RawMessage) (*Accepted, error) {
	classifier, ok := s.classifiers[origin]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownOrigin, origin)
	}

	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrInvalidPayload)
	}

	cls, err := classifier.Classify(payload)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(s.allowLists[origin], cls.JobType) {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownJobType, cls.JobType)
	}

	id, err := s.store.Insert(ctx, domain.NewJob{
		Origin:     origin,
		ExternalID: cls.ExternalID,
		JobType:    cls.JobType,
		Payload:    payload,
	})
	if err != nil {
		s.logger.Error("Failed to store submission",
			slog.String("origin", origin),
			slog.String("job_type", cls.JobType),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("failed to store submission: %w", err)
	}

	s.logger.Info("Submission accepted",
		slog.String("job_id", id),
		slog.String("origin", origin),
		slog.String("job_type", cls.JobType),
		slog.String("external_id", cls.ExternalID),
	)

	if s.notifier != nil {
		if err := s.notifier.JobAccepted(ctx, origin); err != nil {
			s.logger.Warn("Failed to publish dispatch trigger",
				slog.String("origin", origin),
				slog.Any("error", err),
			)
		}
	}

	return &Accepted{ID: id, JobType: cls.JobType, ExternalID: cls.ExternalID}, nil
}
