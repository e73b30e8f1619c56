// Package safety scores prescriptions for patient-safety risk against the drug catalog.
//
// Seven dimensions are evaluated independently (age, sex, dosage, frequency,
// drug interaction, pregnancy and allergy) and reduced to one aggregate flag.
package safety

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PrescriptionInput is a prescription as received from callers. Drugs, Dosage
// and Frequency are comma-separated lists aligned by position.
type PrescriptionInput struct {
	PatientName       string `json:"patient_name"`
	Age               int    `json:"age"`
	Sex               string `json:"sex"`
	Allergy           string `json:"allergy"`
	Condition         string `json:"condition"`
	Drugs             string `json:"drugs"`
	Dosage            string `json:"dosage"`
	Frequency         string `json:"frequency"`
	PregnancyCategory int    `json:"pregnancy_category"` // 1 = pregnant, 0 = not
}

// Patient holds the per-prescription patient attributes.
type Patient struct {
	Name              string
	Age               int
	Sex               string
	Allergies         []string
	Condition         string
	PregnancyCategory int
}

// PrescribedDrug is one position of the prescription: the drug with its
// dosage and frequency as written.
type PrescribedDrug struct {
	Name      string
	Dosage    string
	Frequency string
}

// Prescription is a validated prescription with its positional lists
// folded into one sequence.
type Prescription struct {
	Patient Patient
	Drugs   []PrescribedDrug
}

// AllergyText joins the patient's allergies the way the matcher expects them.
func (p Patient) AllergyText() string {
	return strings.Join(p.Allergies, ", ")
}

// ParsePrescription validates the input and aligns drugs with their dosage
// and frequency. Lists of different lengths are rejected.
func ParsePrescription(in PrescriptionInput) (*Prescription, error) {
	if in.Age < 0 {
		return nil, &ValidationError{Field: "age", Message: "must not be negative"}
	}

	names := splitList(in.Drugs)
	dosages := splitList(in.Dosage)
	frequencies := splitList(in.Frequency)

	if len(dosages) != len(names) {
		return nil, &ValidationError{
			Field:   "dosage",
			Message: fmt.Sprintf("has %d values for %d drugs", len(dosages), len(names)),
		}
	}
	if len(frequencies) != len(names) {
		return nil, &ValidationError{
			Field:   "frequency",
			Message: fmt.Sprintf("has %d values for %d drugs", len(frequencies), len(names)),
		}
	}

	drugs := make([]PrescribedDrug, len(names))
	for i, name := range names {
		drugs[i] = PrescribedDrug{
			Name:      name,
			Dosage:    dosages[i],
			Frequency: frequencies[i],
		}
	}

	return &Prescription{
		Patient: Patient{
			Name:              strings.TrimSpace(in.PatientName),
			Age:               in.Age,
			Sex:               in.Sex,
			Allergies:         splitList(in.Allergy),
			Condition:         strings.TrimSpace(in.Condition),
			PregnancyCategory: in.PregnancyCategory,
		},
		Drugs: drugs,
	}, nil
}

// splitList splits a comma list and trims each item. A blank list is empty.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

var dosagePattern = regexp.MustCompile(`^(\d+\.?\d*|\.\d+)$`)

// parsePatientDosage accepts plain non-negative decimals such as "500" or "2.5".
// Units or signs make the value unparsable.
func parsePatientDosage(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if !dosagePattern.MatchString(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parsePatientFrequency accepts non-negative whole numbers only.
func parsePatientFrequency(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}
