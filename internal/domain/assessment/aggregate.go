package assessment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-rxsafety/internal/domain/safety"
)

var (
	ErrAssessmentNotFound = errors.New("assessment not found")
	ErrInvalidTransition  = errors.New("invalid assessment transition")
	ErrInvalidInput       = errors.New("invalid assessment input")
)

type Status string

const (
	StatusNew          Status = ""
	StatusScored       Status = "scored"
	StatusAcknowledged Status = "acknowledged"
	StatusCompleted    Status = "completed"
)

// Aggregate is the assessment aggregate root.
type Aggregate struct {
	id             string
	version        int
	status         Status
	patientHash    string
	prescription   safety.PrescriptionInput
	result         safety.FlagVector
	acknowledgedBy string
	note           string
	sideEffects    []string
	createdAt      time.Time
	updatedAt      time.Time
	changes        []*Event
}

func NewAggregate(id string) *Aggregate {
	return &Aggregate{id: id}
}

func (a *Aggregate) ID() string { return a.id }
func (a *Aggregate) Version() int { return a.version }
func (a *Aggregate) Status() Status { return a.status }
func (a *Aggregate) Changes() []*Event { return a.changes }
func (a *Aggregate) ClearChanges() { a.changes = nil }
func (a *Aggregate) PatientHash() string { return a.patientHash }

// Record stores the scoring outcome of a new assessment.
func (a *Aggregate) Record(in safety.PrescriptionInput, result *safety.FlagVector) error {
	if a.status != StatusNew {
		return fmt.Errorf("%w: already %s", ErrInvalidTransition, a.status)
	}
	if result == nil {
		return fmt.Errorf("%w: result is required", ErrInvalidInput)
	}
	hash := PatientHash(in)
	return a.raise(EventPrescriptionScored, &ScoredData{
		AssessmentID: a.id,
		PatientHash:  hash,
		Prescription: in,
		Result:       *result,
		ScoredAt:     time.Now().UTC(),
	}, "", hash)
}

// Acknowledge records that a clinician reviewed the warnings.
func (a *Aggregate) Acknowledge(by, note string) error {
	if a.status != StatusScored {
		return fmt.Errorf("%w: cannot acknowledge %s assessment", ErrInvalidTransition, a.statusName())
	}
	if by == "" {
		return fmt.Errorf("%w: acknowledged_by is required", ErrInvalidInput)
	}
	return a.raise(EventAssessmentAcknowledged, &AcknowledgedData{
		AssessmentID:   a.id,
		AcknowledgedBy: by,
		Note:           note,
		AcknowledgedAt: time.Now().UTC(),
	}, by, a.patientHash)
}

// Complete closes the course of treatment. Acknowledgement is optional.
func (a *Aggregate) Complete(by, note string, sideEffects []string) error {
	if a.status != StatusScored && a.status != StatusAcknowledged {
		return fmt.Errorf("%w: cannot complete %s assessment", ErrInvalidTransition, a.statusName())
	}
	return a.raise(EventPrescriptionCompleted, &CompletedData{
		AssessmentID: a.id,
		CompletedBy:  by,
		Note:         note,
		SideEffects:  sideEffects,
		CompletedAt:  time.Now().UTC(),
	}, by, a.patientHash)
}

func (a *Aggregate) raise(t EventType, data interface{}, actor, patientHash string) error {
	event, err := NewEvent(a.id, t, data)
	if err != nil {
		return err
	}
	event.Actor = actor
	event.PatientHash = patientHash
	if err := a.apply(event); err != nil {
		return err
	}
	a.changes = append(a.changes, event)
	return nil
}

func (a *Aggregate) apply(event *Event) error {
	switch event.EventType {
	case EventPrescriptionScored:
		var data ScoredData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusScored
		a.patientHash = data.PatientHash
		a.prescription = data.Prescription
		a.result = data.Result
		a.createdAt = data.ScoredAt
	case EventAssessmentAcknowledged:
		var data AcknowledgedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusAcknowledged
		a.acknowledgedBy = data.AcknowledgedBy
		if data.Note != "" {
			a.note = data.Note
		}
	case EventPrescriptionCompleted:
		var data CompletedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusCompleted
		if data.Note != "" {
			a.note = data.Note
		}
		a.sideEffects = data.SideEffects
	default:
		return fmt.Errorf("unknown event type %q", event.EventType)
	}
	a.version++
	a.updatedAt = event.Timestamp
	return nil
}

// LoadFromHistory rebuilds state from stored events.
func (a *Aggregate) LoadFromHistory(events []*Event) error {
	for _, event := range events {
		if err := a.apply(event); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregate) statusName() string {
	if a.status == StatusNew {
		return "unscored"
	}
	return string(a.status)
}

// Snapshot is the read model returned to clients.
type Snapshot struct {
	ID             string                   `json:"id"`
	Version        int                      `json:"version"`
	Status         Status                   `json:"status"`
	Prescription   safety.PrescriptionInput `json:"prescription"`
	Result         safety.FlagVector        `json:"result"`
	AcknowledgedBy string                   `json:"acknowledged_by,omitempty"`
	Note           string                   `json:"note,omitempty"`
	SideEffects    []string                 `json:"side_effects,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

func (a *Aggregate) Snapshot() Snapshot {
	return Snapshot{
		ID:             a.id,
		Version:        a.version,
		Status:         a.status,
		Prescription:   a.prescription,
		Result:         a.result,
		AcknowledgedBy: a.acknowledgedBy,
		Note:           a.note,
		SideEffects:    a.sideEffects,
		CreatedAt:      a.createdAt,
		UpdatedAt:      a.updatedAt,
	}
}
