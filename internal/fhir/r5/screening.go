package r5

import (
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/go-rxsafety/internal/domain/safety"
)

// MissingValue fills a dose or frequency the order does not state. It never
// parses as a number, so the engine flags the position.
const MissingValue = "unspecified"

// ScreeningRequest is the body of POST /api/v1/fhir/screen: the patient, the
// orders to screen together and the patient's allergies and conditions.
type ScreeningRequest struct {
	Patient             Patient              `json:"patient"`
	MedicationRequests  []MedicationRequest  `json:"medicationRequests"`
	AllergyIntolerances []AllergyIntolerance `json:"allergyIntolerances,omitempty"`
	Conditions          []Condition          `json:"conditions,omitempty"`
}

// ToPrescription maps the request onto the engine input. Age is computed at
// the given reference time. Orders that are no longer active are skipped.
func ToPrescription(req *ScreeningRequest, at time.Time) (safety.PrescriptionInput, error) {
	age, err := req.Patient.AgeAt(at)
	if err != nil {
		return safety.PrescriptionInput{}, &safety.ValidationError{Field: "patient.birthDate", Message: err.Error()}
	}

	var drugs, doses, frequencies []string
	for i := range req.MedicationRequests {
		mr := &req.MedicationRequests[i]
		if !mr.IsScreenable() {
			continue
		}
		name := listItem(mr.GetMedicationDisplay())
		if name == "" {
			return safety.PrescriptionInput{}, &safety.ValidationError{
				Field:   fmt.Sprintf("medicationRequests[%d].medication", i),
				Message: "has no display name",
			}
		}
		drugs = append(drugs, name)
		doses = append(doses, orMissing(mr.GetDose()))
		frequencies = append(frequencies, orMissing(mr.GetTimesPerDay()))
	}

	var allergies []string
	for i := range req.AllergyIntolerances {
		a := &req.AllergyIntolerances[i]
		if !a.IsActive() {
			continue
		}
		if label := listItem(a.Code.Label()); label != "" {
			allergies = append(allergies, label)
		}
	}

	var conditions []string
	for i := range req.Conditions {
		c := &req.Conditions[i]
		if label := c.Code.Label(); label != "" && c.IsActive() {
			conditions = append(conditions, label)
		}
	}

	pregnancy := 0
	if req.Patient.IsPregnant() {
		pregnancy = 1
	}

	return safety.PrescriptionInput{
		PatientName:       req.Patient.GetFullName(),
		Age:               age,
		Sex:               req.Patient.Gender,
		Allergy:           strings.Join(allergies, ", "),
		Condition:         strings.Join(conditions, "; "),
		Drugs:             strings.Join(drugs, ", "),
		Dosage:            strings.Join(doses, ", "),
		Frequency:         strings.Join(frequencies, ", "),
		PregnancyCategory: pregnancy,
	}, nil
}

// listItem keeps a value from splitting the comma lists the engine reads.
func listItem(s string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(s, ",", " ")), " ")
}

func orMissing(s string) string {
	if s == "" {
		return MissingValue
	}
	return s
}
