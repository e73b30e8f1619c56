package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/infrastructure/postgres"
)

// ErrConcurrentModification means another writer appended the same version.
var ErrConcurrentModification = errors.New("assessment modified concurrently")

// Repository is the pgx event store for assessments. Every saved event
// is also written to the outbox in the same transaction.
type Repository struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
	tracer trace.Tracer
}

func NewRepository(pool *pgxpool.Pool, topic string, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, topic: topic, logger: logger, tracer: otel.Tracer("assessment-repository")}
}

// Save appends the aggregate's uncommitted events.
func (r *Repository) Save(ctx context.Context, agg *Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "assessment.Save",
		trace.WithAttributes(
			attribute.String("assessment_id", agg.ID()),
			attribute.Int("events", len(changes)),
		))
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	base := agg.Version() - len(changes)
	for i, event := range changes {
		event.Version = base + i + 1
		if err := insertEvent(ctx, tx, event); err != nil {
			span.RecordError(err)
			return err
		}
		entry, err := outboxEntry(event, r.topic)
		if err != nil {
			return err
		}
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			span.RecordError(err)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("Assessment saved",
		zap.String("assessment_id", agg.ID()),
		zap.Int("version", agg.Version()))
	agg.ClearChanges()
	return nil
}

func outboxEntry(event *Event, topic string) (*postgres.OutboxEntry, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox payload: %w", err)
	}
	return &postgres.OutboxEntry{
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     string(event.EventType),
		Payload:       payload,
		Topic:         topic,
		Key:           event.AggregateID,
	}, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, event *Event) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO assessment_events
		(id, aggregate_id, event_type, event_data, version, actor, patient_hash, correlation_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID,
		event.AggregateID,
		event.EventType,
		event.EventData,
		event.Version,
		event.Actor,
		event.PatientHash,
		event.CorrelationID,
		event.Timestamp,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s v%d", ErrConcurrentModification, event.AggregateID, event.Version)
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Load rebuilds an assessment from its events.
func (r *Repository) Load(ctx context.Context, id string) (*Aggregate, error) {
	events, err := r.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAssessmentNotFound, id)
	}

	agg := NewAggregate(id)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, fmt.Errorf("replay %s: %w", id, err)
	}
	return agg, nil
}

// GetEvents returns the events of one assessment in version order.
func (r *Repository) GetEvents(ctx context.Context, id string) ([]*Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, aggregate_id, event_type, event_data, version, timestamp,
		       actor, patient_hash, correlation_id
		FROM assessment_events
		WHERE aggregate_id = $1
		ORDER BY version ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Event, error) {
		e := &Event{AggregateType: AggregateType}
		err := row.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.EventData, &e.Version,
			&e.Timestamp, &e.Actor, &e.PatientHash, &e.CorrelationID)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return events, nil
}
