package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxsafety/internal/domain/catalog"
)

func mustParse(t *testing.T, in PrescriptionInput) *Prescription {
	t.Helper()
	rx, err := ParsePrescription(in)
	require.NoError(t, err)
	return rx
}

func TestParsePrescription(t *testing.T) {
	rx := mustParse(t, PrescriptionInput{
		PatientName: " Ann ",
		Age:         33,
		Allergy:     " pollen,dust ",
		Drugs:       "A, B ,C",
		Dosage:      "1,2.5, 3",
		Frequency:   "1,2,3",
	})

	assert.Equal(t, "Ann", rx.Patient.Name)
	assert.Equal(t, []string{"pollen", "dust"}, rx.Patient.Allergies)
	assert.Equal(t, []PrescribedDrug{
		{Name: "A", Dosage: "1", Frequency: "1"},
		{Name: "B", Dosage: "2.5", Frequency: "2"},
		{Name: "C", Dosage: "3", Frequency: "3"},
	}, rx.Drugs)

	_, err := ParsePrescription(PrescriptionInput{Drugs: "A,B", Dosage: "1,2", Frequency: "1"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "frequency", verr.Field)
	assert.Equal(t, "frequency: has 1 values for 2 drugs", verr.Error())
}

func TestPatientValueParsing(t *testing.T) {
	dosages := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"500", 500, true},
		{"2.5", 2.5, true},
		{"10.", 10, true},
		{".5", 0.5, true},
		{"500mg", 0, false},
		{"-1", 0, false},
		{"1.2.3", 0, false},
		{"", 0, false},
	}
	for _, tt := range dosages {
		got, ok := parsePatientDosage(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	frequencies := []struct {
		in   string
		want int
		ok   bool
	}{
		{"3", 3, true},
		{" 2 ", 2, true},
		{"2.0", 0, false},
		{"twice", 0, false},
		{"-2", 0, false},
	}
	for _, tt := range frequencies {
		got, ok := parsePatientFrequency(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestCheckers(t *testing.T) {
	cat := testCatalog()

	tests := []struct {
		name     string
		check    func(*Prescription, catalog.Catalog) DimensionResult
		in       PrescriptionInput
		perDrug  []int
		messages []string
	}{
		{
			name:    "age boundaries are inclusive",
			check:   CheckAge,
			in:      PrescriptionInput{Age: 18, Drugs: "DrugX,Finasteride", Dosage: "1,1", Frequency: "1,1"},
			perDrug: []int{0, 0},
		},
		{
			name:     "sex restricted",
			check:    CheckSex,
			in:       PrescriptionInput{Sex: "Female", Drugs: "DrugX,Finasteride,Nope", Dosage: "1,1,1", Frequency: "1,1,1"},
			perDrug:  []int{0, 1, 1},
			messages: []string{"Finasteride isn't compatible for patient's sex"},
		},
		{
			name:    "sex case-insensitive",
			check:   CheckSex,
			in:      PrescriptionInput{Sex: " MALE ", Drugs: "Finasteride", Dosage: "1", Frequency: "1"},
			perDrug: []int{0},
		},
		{
			name:     "dosage over reference",
			check:    CheckDosage,
			in:       PrescriptionInput{Drugs: "DrugX,DrugY", Dosage: "500,250.5", Frequency: "1,1"},
			perDrug:  []int{0, 1},
			messages: []string{"High dosage DrugY, recommended dosage: 250"},
		},
		{
			name:    "dosage unparsable on either side",
			check:   CheckDosage,
			in:      PrescriptionInput{Drugs: "DrugX,Freeform", Dosage: "500mg,1", Frequency: "1,1"},
			perDrug: []int{1, 1},
		},
		{
			name:     "frequency differs",
			check:    CheckFrequency,
			in:       PrescriptionInput{Drugs: "DrugX,DrugY,Freeform", Dosage: "1,1,1", Frequency: "1,3,1"},
			perDrug:  []int{1, 0, 1},
			messages: []string{"High frequency DrugX, recommended frequency: 2 times a day"},
		},
		{
			name:     "pregnancy mismatch and unknown",
			check:    CheckPregnancy,
			in:       PrescriptionInput{PregnancyCategory: 1, Drugs: "DrugX,Finasteride,Nope", Dosage: "1,1,1", Frequency: "1,1,1"},
			perDrug:  []int{1, 0, 1},
			messages: []string{"DrugX isn't compatible with pregnancy", "Nope not found in drug database"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.check(mustParse(t, tt.in), cat)
			assert.Equal(t, tt.perDrug, res.PerDrug)
			assert.Equal(t, tt.messages, res.Messages)
			assert.InDelta(t, meanFlags(tt.perDrug), res.Flag, 1e-12)
		})
	}
}

func TestPairScore(t *testing.T) {
	a := catalog.DrugRecord{
		DrugName: "A", MedicalCondition: "Pain", SideEffects: "nausea", DrugClasses: "NSAIDs",
		PregnancyCategory: catalog.Int(1), Alcohol: "X", MinAgeLimit: catalog.Int(18), MaxAgeLimit: catalog.Int(65), Sex: "all",
	}

	assert.Equal(t, 100, PairScore(a, a))

	tests := []struct {
		name   string
		modify func(*catalog.DrugRecord)
		want   int
	}{
		{"condition", func(r *catalog.DrugRecord) { r.MedicalCondition = "Fever" }, 75},
		{"side effects", func(r *catalog.DrugRecord) { r.SideEffects = "rash" }, 85},
		{"classes", func(r *catalog.DrugRecord) { r.DrugClasses = "Opioids" }, 85},
		{"pregnancy", func(r *catalog.DrugRecord) { r.PregnancyCategory = catalog.Int(0) }, 90},
		{"alcohol", func(r *catalog.DrugRecord) { r.Alcohol = "" }, 90},
		{"min age within tolerance", func(r *catalog.DrugRecord) { r.MinAgeLimit = catalog.Int(16) }, 100},
		{"min age beyond tolerance", func(r *catalog.DrugRecord) { r.MinAgeLimit = catalog.Int(21) }, 90},
		{"max age beyond tolerance", func(r *catalog.DrugRecord) { r.MaxAgeLimit = catalog.Int(62) }, 90},
		{"sex is exact", func(r *catalog.DrugRecord) { r.Sex = "All" }, 95},
		{"unknown pregnancy", func(r *catalog.DrugRecord) { r.PregnancyCategory = nil }, 90},
		{"unknown min age", func(r *catalog.DrugRecord) { r.MinAgeLimit = nil }, 90},
		{"unknown max age", func(r *catalog.DrugRecord) { r.MaxAgeLimit = nil }, 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := a
			tt.modify(&b)
			assert.Equal(t, tt.want, PairScore(a, b))
			assert.Equal(t, PairScore(a, b), PairScore(b, a))
		})
	}

	unknown := catalog.DrugRecord{DrugName: "U", Sex: "all"}
	assert.Equal(t, 5, PairScore(unknown, unknown), "unknown numeric fields never agree")

	var empty catalog.DrugRecord
	score := PairScore(a, empty)
	assert.GreaterOrEqual(t, score, 0)
	assert.LessOrEqual(t, score, 100)
}

func TestCheckInteractions_SkipsUnknown(t *testing.T) {
	rx := mustParse(t, PrescriptionInput{Drugs: "DrugX,Nope,DrugY", Dosage: "1,1,1", Frequency: "1,1,1"})
	res := CheckInteractions(rx, testCatalog(), DefaultInteractionThreshold)

	require.Len(t, res.Pairs, 1)
	assert.Equal(t, "DrugX", res.Pairs[0].First)
	assert.Equal(t, "DrugY", res.Pairs[0].Second)
	assert.Equal(t, 1.0, res.Flag)
	assert.Empty(t, res.Messages)

	rx = mustParse(t, PrescriptionInput{Drugs: "Nope,Other", Dosage: "1,1", Frequency: "1,1"})
	res = CheckInteractions(rx, testCatalog(), DefaultInteractionThreshold)
	assert.Empty(t, res.Pairs)
	assert.Equal(t, 0.0, res.Flag)
}

func TestAggregate(t *testing.T) {
	assert.Equal(t, 0.0, Aggregate([7]float64{}))
	assert.InDelta(t, 0.0, Aggregate([7]float64{0.3, 0.3, 0.3, 0.3, 0.3, 0.3, 0.3}), 1e-12)
	assert.InDelta(t, 0.0, Aggregate([7]float64{1, 1, 1, 1, 1, 1, 1}), 1e-12)

	flags := [7]float64{1, 0, 0.5, 0.25, 0, 1, 0.75}
	want := Aggregate(flags)
	assert.Greater(t, want, 0.0)

	permuted := [7]float64{0.75, 0, 1, 0.25, 1, 0.5, 0}
	assert.InDelta(t, want, Aggregate(permuted), 1e-12)

	// mean 0.5, deviations 0.25 each for four 1/0 values and 0 for three 0.5s
	assert.InDelta(t, 4*0.25/7, Aggregate([7]float64{1, 0, 1, 0, 0.5, 0.5, 0.5}), 1e-12)
}
