package assessment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/domain/safety"
)

// Scorer is the part of the safety engine the service needs.
type Scorer interface {
	Score(ctx context.Context, in safety.PrescriptionInput) (*safety.FlagVector, error)
}

// Store persists assessments. Repository is the production implementation.
type Store interface {
	Save(ctx context.Context, agg *Aggregate) error
	Load(ctx context.Context, id string) (*Aggregate, error)
	GetEvents(ctx context.Context, id string) ([]*Event, error)
}

// Service scores prescriptions and records their follow-up.
type Service struct {
	scorer Scorer
	store  Store
	logger *zap.Logger
}

func NewService(scorer Scorer, store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{scorer: scorer, store: store, logger: logger}
}

// Assess scores the prescription and stores the result as a new assessment.
func (s *Service) Assess(ctx context.Context, in safety.PrescriptionInput, correlationID string) (*Aggregate, error) {
	result, err := s.scorer.Score(ctx, in)
	if err != nil {
		return nil, err
	}

	agg := NewAggregate(uuid.New().String())
	if err := agg.Record(in, result); err != nil {
		return nil, err
	}
	for _, e := range agg.Changes() {
		e.CorrelationID = correlationID
	}
	if err := s.store.Save(ctx, agg); err != nil {
		return nil, fmt.Errorf("save assessment: %w", err)
	}

	s.logger.Info("Assessment recorded",
		zap.String("assessment_id", agg.ID()),
		zap.Float64("flag", result.Flag),
		zap.Int("warnings", len(result.Messages)))
	return agg, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Aggregate, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAssessmentNotFound, id)
	}
	return s.store.Load(ctx, id)
}

// Events returns the raw history of an assessment.
func (s *Service) Events(ctx context.Context, id string) ([]*Event, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAssessmentNotFound, id)
	}
	events, err := s.store.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAssessmentNotFound, id)
	}
	return events, nil
}

func (s *Service) Acknowledge(ctx context.Context, id, by, note string) (*Aggregate, error) {
	return s.update(ctx, id, func(agg *Aggregate) error { return agg.Acknowledge(by, note) })
}

func (s *Service) Complete(ctx context.Context, id, by, note string, sideEffects []string) (*Aggregate, error) {
	return s.update(ctx, id, func(agg *Aggregate) error { return agg.Complete(by, note, sideEffects) })
}

func (s *Service) update(ctx context.Context, id string, change func(*Aggregate) error) (*Aggregate, error) {
	agg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := change(agg); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, agg); err != nil {
		return nil, fmt.Errorf("save assessment: %w", err)
	}
	return agg, nil
}
