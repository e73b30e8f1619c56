package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxsafety/internal/domain/catalog"
)

func TestCatalogRowMatchesColumns(t *testing.T) {
	row := catalogRow(catalog.DrugRecord{DrugName: "Aspirin", MinAgeLimit: catalog.Int(12), Alcohol: "X"})
	require.Len(t, row, len(catalogColumns))
	assert.Equal(t, "Aspirin", row[0])
	assert.Equal(t, catalog.Int(12), row[4])
	assert.Equal(t, "X", row[len(row)-1])
}

func TestDedupe(t *testing.T) {
	out := dedupe([]catalog.DrugRecord{
		{DrugName: "A", Dosage: "1"},
		{DrugName: ""},
		{DrugName: "B"},
		{DrugName: "A", Dosage: "2"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "1", out[0].Dosage)
	assert.Equal(t, "B", out[1].DrugName)
}

func TestDeadLetterPayload(t *testing.T) {
	msg := "broker down"
	b, err := DeadLetterPayload(&OutboxEntry{
		AggregateID:   "a-1",
		AggregateType: "Assessment",
		EventType:     "PrescriptionScored",
		Payload:       json.RawMessage(`{"x":1}`),
		Topic:         "assessment.events",
		RetryCount:    5,
		LastError:     &msg,
		CreatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "assessment.events", got["original_topic"])
	assert.Equal(t, "broker down", got["last_error"])
	assert.Equal(t, float64(5), got["retry_count"])
	assert.Equal(t, map[string]any{"x": float64(1)}, got["payload"])
}

func TestSchemaEmbedded(t *testing.T) {
	for _, table := range []string{"drug_catalog", "assessment_events", "outbox", "inbox"} {
		assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table)
	}
}
