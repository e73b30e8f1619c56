package r5

import (
	"strconv"
	"strings"
)

// MedicationRequest represents a FHIR R5 MedicationRequest resource,
// reduced to what screening reads.
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`

	Status string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Intent string `json:"intent"`

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`

	DosageInstruction []Dosage `json:"dosageInstruction,omitempty"`
}

type Dosage struct {
	Text        string        `json:"text,omitempty"`
	Timing      *Timing       `json:"timing,omitempty"`
	DoseAndRate []DoseAndRate `json:"doseAndRate,omitempty"`
}

type DoseAndRate struct {
	DoseRange    *Range    `json:"doseRange,omitempty"`
	DoseQuantity *Quantity `json:"doseQuantity,omitempty"`
}

type Timing struct {
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"` // BID | TID | QID | AM | PM | QD | QOD | Q4H | Q6H ...
}

type TimingRepeat struct {
	Frequency  int     `json:"frequency,omitempty"`
	Period     float64 `json:"period,omitempty"`
	PeriodUnit string  `json:"periodUnit,omitempty"` // s | min | h | d | wk | mo | a
}

// GetMedicationDisplay returns the display name of the medication.
func (m *MedicationRequest) GetMedicationDisplay() string {
	if label := m.Medication.Concept.Label(); label != "" {
		return label
	}
	if m.Medication.Reference != nil {
		return m.Medication.Reference.Display
	}
	return ""
}

// IsScreenable reports whether the order is still live.
func (m *MedicationRequest) IsScreenable() bool {
	return m.Status == "" || m.Status == StatusActive || m.Status == StatusDraft
}

// GetDose returns the first dose quantity as written, or "" when absent.
// A dose range contributes its upper bound.
func (m *MedicationRequest) GetDose() string {
	for _, d := range m.DosageInstruction {
		for _, dr := range d.DoseAndRate {
			switch {
			case dr.DoseQuantity != nil:
				return formatNumber(dr.DoseQuantity.Value)
			case dr.DoseRange != nil && dr.DoseRange.High != nil:
				return formatNumber(dr.DoseRange.High.Value)
			}
		}
	}
	return ""
}

// timingCodes maps HL7 TimingAbbreviation codes to administrations per day.
var timingCodes = map[string]float64{
	"QD":  1,
	"AM":  1,
	"PM":  1,
	"BID": 2,
	"TID": 3,
	"QID": 4,
	"Q4H": 6,
	"Q6H": 4,
	"Q8H": 3,
	"QOD": 0.5,
}

// periodsPerDay converts one period of the unit into days.
var periodsPerDay = map[string]float64{
	"s":   86400,
	"min": 1440,
	"h":   24,
	"d":   1,
	"wk":  1.0 / 7,
	"mo":  1.0 / 30,
	"a":   1.0 / 365,
}

// GetTimesPerDay returns administrations per day from the first timing,
// rounded to a whole number, or "" when no timing is given.
func (m *MedicationRequest) GetTimesPerDay() string {
	for _, d := range m.DosageInstruction {
		if d.Timing == nil {
			continue
		}
		if r := d.Timing.Repeat; r != nil && r.Frequency > 0 {
			period := r.Period
			if period <= 0 {
				period = 1
			}
			perUnit, ok := periodsPerDay[r.PeriodUnit]
			if !ok {
				continue
			}
			return strconv.Itoa(roundHalfUp(float64(r.Frequency) * perUnit / period))
		}
		if d.Timing.Code != nil {
			for _, c := range d.Timing.Code.Coding {
				if v, ok := timingCodes[strings.ToUpper(c.Code)]; ok {
					return strconv.Itoa(roundHalfUp(v))
				}
			}
		}
	}
	return ""
}

func roundHalfUp(v float64) int {
	return int(v + 0.5)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
