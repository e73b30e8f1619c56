// Package catalog holds the reference drug catalog used for prescription screening.
package catalog

import (
	"strconv"
	"strings"
)

// DrugRecord is one row of the reference catalog.
type DrugRecord struct {
	DrugName          string `json:"drug_name"`
	MinAgeLimit       *int   `json:"min_age_limit"` // nil when the catalog cell is blank or not a number
	MaxAgeLimit       *int   `json:"max_age_limit"`
	Sex               string `json:"sex"` // male | female | all
	Dosage            string `json:"dosage"`
	Frequency         string `json:"frequency"`
	PregnancyCategory *int   `json:"pregnancy_category"`
	MedicalCondition  string `json:"medical_condition"`
	SideEffects       string `json:"side_effects"`
	DrugClasses       string `json:"drug_classes"`
	Alcohol           string `json:"alcohol"`
}

// Int returns a pointer to v for the nullable record fields.
func Int(v int) *int { return &v }

// AgeRange returns the inclusive age limits. ok is false when either limit
// is unknown.
func (r DrugRecord) AgeRange() (lo, hi int, ok bool) {
	if r.MinAgeLimit == nil || r.MaxAgeLimit == nil {
		return 0, 0, false
	}
	return *r.MinAgeLimit, *r.MaxAgeLimit, true
}

// Pregnancy returns the catalog pregnancy category. ok is false when unknown.
func (r DrugRecord) Pregnancy() (int, bool) {
	if r.PregnancyCategory == nil {
		return 0, false
	}
	return *r.PregnancyCategory, true
}

// ReferenceDosage returns the recommended maximum dosage.
// ok is false when the catalog value is not numeric.
func (r DrugRecord) ReferenceDosage() (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(r.Dosage), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ReferenceFrequency returns the recommended number of doses per day.
// ok is false when the catalog value is not an integer.
func (r DrugRecord) ReferenceFrequency() (int, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(r.Frequency))
	if err != nil {
		return 0, false
	}
	return v, true
}

// AllowsSex reports whether the drug is suitable for the given patient sex.
func (r DrugRecord) AllowsSex(sex string) bool {
	drugSex := strings.ToLower(strings.TrimSpace(r.Sex))
	return drugSex == "all" || drugSex == strings.ToLower(strings.TrimSpace(sex))
}
