// Package assessment keeps the event-sourced history of scored prescriptions.
package assessment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-rxsafety/internal/domain/safety"
)

const AggregateType = "Assessment"

type EventType string

const (
	EventPrescriptionScored     EventType = "PrescriptionScored"
	EventAssessmentAcknowledged EventType = "AssessmentAcknowledged"
	EventPrescriptionCompleted  EventType = "PrescriptionCompleted"
)

// Event is one persisted change to an assessment.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Actor         string          `json:"actor,omitempty"`
	PatientHash   string          `json:"patient_hash,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

type ScoredData struct {
	AssessmentID string                   `json:"assessment_id"`
	PatientHash  string                   `json:"patient_hash"`
	Prescription safety.PrescriptionInput `json:"prescription"`
	Result       safety.FlagVector        `json:"result"`
	ScoredAt     time.Time                `json:"scored_at"`
}

type AcknowledgedData struct {
	AssessmentID   string    `json:"assessment_id"`
	AcknowledgedBy string    `json:"acknowledged_by"`
	Note           string    `json:"note,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
}

// CompletedData closes a course of treatment with what was observed.
type CompletedData struct {
	AssessmentID string    `json:"assessment_id"`
	CompletedBy  string    `json:"completed_by"`
	Note         string    `json:"note,omitempty"`
	SideEffects  []string  `json:"side_effects,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// PatientHash identifies a patient in events without carrying the name.
func PatientHash(in safety.PrescriptionInput) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s",
		strings.ToLower(strings.TrimSpace(in.PatientName)), in.Age, strings.ToLower(strings.TrimSpace(in.Sex)))))
	return hex.EncodeToString(sum[:])
}
