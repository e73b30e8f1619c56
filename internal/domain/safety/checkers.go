package safety

import (
	"fmt"
	"strconv"

	"github.com/drfirst/go-rxsafety/internal/domain/catalog"
)

// Dimension names one scoring axis.
type Dimension string

const (
	DimensionAge         Dimension = "age"
	DimensionSex         Dimension = "sex"
	DimensionDosage      Dimension = "dosage"
	DimensionFrequency   Dimension = "frequency"
	DimensionInteraction Dimension = "drugs"
	DimensionPregnancy   Dimension = "pregnancy"
	DimensionAllergy     Dimension = "allergy"
)

// Dimensions lists every axis in the order the aggregate vector uses.
var Dimensions = []Dimension{
	DimensionAge,
	DimensionSex,
	DimensionAllergy,
	DimensionInteraction,
	DimensionDosage,
	DimensionFrequency,
	DimensionPregnancy,
}

// DimensionResult is the outcome of one checker over a prescription.
// PerDrug holds 0 or 1 for each prescribed drug in order; Flag is their mean.
type DimensionResult struct {
	Flag     float64
	PerDrug  []int
	Messages []string
}

func newResult(perDrug []int, messages []string) DimensionResult {
	return DimensionResult{Flag: meanFlags(perDrug), PerDrug: perDrug, Messages: messages}
}

func meanFlags(flags []int) float64 {
	if len(flags) == 0 {
		return 0
	}
	sum := 0
	for _, f := range flags {
		sum += f
	}
	return float64(sum) / float64(len(flags))
}

// CheckAge flags drugs whose catalog age range excludes the patient. An
// unknown limit never matches.
func CheckAge(rx *Prescription, cat catalog.Catalog) DimensionResult {
	flags := make([]int, len(rx.Drugs))
	var messages []string
	for i, d := range rx.Drugs {
		rec, ok := cat.Lookup(d.Name)
		if !ok {
			flags[i] = 1
			continue
		}
		if lo, hi, known := rec.AgeRange(); known && lo <= rx.Patient.Age && rx.Patient.Age <= hi {
			continue
		}
		flags[i] = 1
		messages = append(messages, fmt.Sprintf("%s isn't recommended for patient's age", d.Name))
	}
	return newResult(flags, messages)
}

// CheckSex flags drugs restricted to the other sex.
func CheckSex(rx *Prescription, cat catalog.Catalog) DimensionResult {
	flags := make([]int, len(rx.Drugs))
	var messages []string
	for i, d := range rx.Drugs {
		rec, ok := cat.Lookup(d.Name)
		if !ok {
			flags[i] = 1
			continue
		}
		if rec.AllowsSex(rx.Patient.Sex) {
			continue
		}
		flags[i] = 1
		messages = append(messages, fmt.Sprintf("%s isn't compatible for patient's sex", d.Name))
	}
	return newResult(flags, messages)
}

// CheckDosage flags prescribed doses above the catalog maximum.
// A dose that cannot be read on either side is flagged without a message.
func CheckDosage(rx *Prescription, cat catalog.Catalog) DimensionResult {
	flags := make([]int, len(rx.Drugs))
	var messages []string
	for i, d := range rx.Drugs {
		rec, ok := cat.Lookup(d.Name)
		if !ok {
			flags[i] = 1
			continue
		}
		ref, refOK := rec.ReferenceDosage()
		dose, doseOK := parsePatientDosage(d.Dosage)
		if !refOK || !doseOK {
			flags[i] = 1
			continue
		}
		if ref >= dose {
			continue
		}
		flags[i] = 1
		messages = append(messages, fmt.Sprintf("High dosage %s, recommended dosage: %s",
			d.Name, strconv.FormatFloat(ref, 'f', -1, 64)))
	}
	return newResult(flags, messages)
}

// CheckFrequency flags doses per day that differ from the catalog.
func CheckFrequency(rx *Prescription, cat catalog.Catalog) DimensionResult {
	flags := make([]int, len(rx.Drugs))
	var messages []string
	for i, d := range rx.Drugs {
		rec, ok := cat.Lookup(d.Name)
		if !ok {
			flags[i] = 1
			continue
		}
		ref, refOK := rec.ReferenceFrequency()
		freq, freqOK := parsePatientFrequency(d.Frequency)
		if !refOK || !freqOK {
			flags[i] = 1
			continue
		}
		if ref == freq {
			continue
		}
		flags[i] = 1
		messages = append(messages, fmt.Sprintf("High frequency %s, recommended frequency: %d times a day", d.Name, ref))
	}
	return newResult(flags, messages)
}

// CheckPregnancy flags drugs whose pregnancy category differs from the
// patient's. It is the only checker that reports unknown drugs.
func CheckPregnancy(rx *Prescription, cat catalog.Catalog) DimensionResult {
	flags := make([]int, len(rx.Drugs))
	var messages []string
	for i, d := range rx.Drugs {
		rec, ok := cat.Lookup(d.Name)
		if !ok {
			flags[i] = 1
			messages = append(messages, fmt.Sprintf("%s not found in drug database", d.Name))
			continue
		}
		if p, known := rec.Pregnancy(); known && rx.Patient.PregnancyCategory == p {
			continue
		}
		flags[i] = 1
		messages = append(messages, fmt.Sprintf("%s isn't compatible with pregnancy", rec.DrugName))
	}
	return newResult(flags, messages)
}
