package safety

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxsafety/internal/domain/catalog"
)

func testCatalog() *catalog.Memory {
	return catalog.New([]catalog.DrugRecord{
		{
			DrugName: "DrugX", MinAgeLimit: catalog.Int(18), MaxAgeLimit: catalog.Int(65), Sex: "all",
			Dosage: "500", Frequency: "2", PregnancyCategory: catalog.Int(0),
			MedicalCondition: "Pain", SideEffects: "nausea", DrugClasses: "NSAIDs", Alcohol: "X",
		},
		{
			DrugName: "DrugY", MinAgeLimit: catalog.Int(19), MaxAgeLimit: catalog.Int(64), Sex: "all",
			Dosage: "250", Frequency: "3", PregnancyCategory: catalog.Int(0),
			MedicalCondition: "Pain", SideEffects: "nausea", DrugClasses: "NSAIDs", Alcohol: "X",
		},
		{
			DrugName: "Finasteride", MinAgeLimit: catalog.Int(18), MaxAgeLimit: catalog.Int(99), Sex: "male",
			Dosage: "1", Frequency: "1", PregnancyCategory: catalog.Int(1),
			MedicalCondition: "Hair loss", SideEffects: "decreased libido", DrugClasses: "5-ARI",
		},
		{
			DrugName: "Freeform", MinAgeLimit: catalog.Int(0), MaxAgeLimit: catalog.Int(99), Sex: "all",
			Dosage: "as directed", Frequency: "daily", PregnancyCategory: catalog.Int(0),
			MedicalCondition: "Cold", SideEffects: "drowsiness", DrugClasses: "Antihistamines",
		},
	})
}

func baseInput() PrescriptionInput {
	return PrescriptionInput{
		PatientName:       "Jane",
		Age:               40,
		Sex:               "female",
		Allergy:           "penicillin ,  latex",
		Drugs:             "DrugX",
		Dosage:            "500",
		Frequency:         "2",
		PregnancyCategory: 0,
	}
}

func TestScore_AgeOutOfRange(t *testing.T) {
	e := New(testCatalog(), StaticMatcher{})
	in := baseInput()
	in.Age = 70

	v, err := e.Score(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 1.0, v.AgeFlag)
	assert.Equal(t, 0.0, v.SexFlag)
	assert.Equal(t, 0.0, v.DosageFlag)
	assert.Equal(t, 0.0, v.FrequencyFlag)
	assert.Equal(t, 0.0, v.PregnancyFlag)
	assert.Equal(t, 0.0, v.AllergyFlag)
	assert.Equal(t, 0.0, v.DrugsFlag, "single drug has no pairs")
	assert.Equal(t, []string{"DrugX isn't recommended for patient's age"}, v.Messages)

	// one 1 and six 0s
	assert.InDelta(t, 6.0/49.0, v.Flag, 1e-12)
}

func TestScore_UnknownCatalogLimits(t *testing.T) {
	cat := catalog.New([]catalog.DrugRecord{{
		DrugName: "DrugX", MinAgeLimit: catalog.Int(18), Sex: "all",
		Dosage: "500", Frequency: "2",
	}})
	in := baseInput()
	in.Age = 30

	v, err := New(cat, StaticMatcher{}).Score(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 1.0, v.AgeFlag)
	assert.Equal(t, 0.0, v.SexFlag)
	assert.Equal(t, 0.0, v.DosageFlag)
	assert.Equal(t, 0.0, v.FrequencyFlag)
	assert.Equal(t, 1.0, v.PregnancyFlag)
	assert.Equal(t, []string{
		"DrugX isn't recommended for patient's age",
		"DrugX isn't compatible with pregnancy",
	}, v.Messages)
	require.Len(t, v.Drugs, 1)
	assert.True(t, v.Drugs[0].Known)
}

func TestScore_MismatchedLists(t *testing.T) {
	e := New(testCatalog(), StaticMatcher{})
	in := baseInput()
	in.Drugs = "DrugX,DrugY"
	in.Dosage = "500"
	in.Frequency = "2,3"

	v, err := e.Score(context.Background(), in)
	require.Error(t, err)
	assert.Nil(t, v)
	assert.ErrorIs(t, err, ErrInvalidPrescription)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "dosage", verr.Field)
}

func TestScore_NegativeAge(t *testing.T) {
	e := New(testCatalog(), StaticMatcher{})
	in := baseInput()
	in.Age = -1

	_, err := e.Score(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidPrescription)
}

func TestScore_EmptyDrugList(t *testing.T) {
	e := New(testCatalog(), StaticMatcher{Result: MatchResult{Conflict: true}})
	in := baseInput()
	in.Drugs, in.Dosage, in.Frequency = "", "", ""

	v, err := e.Score(context.Background(), in)
	require.NoError(t, err)

	for _, d := range Dimensions {
		assert.Equal(t, 0.0, v.Dimension(d), string(d))
	}
	assert.Equal(t, 0.0, v.Flag)
	assert.Empty(t, v.Messages)
	assert.Empty(t, v.Drugs)
}

func TestScore_IdenticalRecordsAreCompatible(t *testing.T) {
	e := New(testCatalog(), StaticMatcher{})
	in := baseInput()
	in.Drugs = "DrugX,DrugY"
	in.Dosage = "500,250"
	in.Frequency = "2,3"

	v, err := e.Score(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 1.0, v.DrugsFlag)
	require.Len(t, v.Pairs, 1)
	assert.Equal(t, 100, v.Pairs[0].Score)
	for _, m := range v.Messages {
		assert.NotContains(t, m, "aren't compatible")
	}
}

func TestScore_UnknownDrug(t *testing.T) {
	var calls atomic.Int32
	matcher := MatcherFunc(func(context.Context, string, string) (MatchResult, error) {
		calls.Add(1)
		return MatchResult{Conflict: true, Explanation: "conflict"}, nil
	})
	e := New(testCatalog(), matcher)
	in := baseInput()
	in.Drugs = "Mystery"

	v, err := e.Score(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 1.0, v.AgeFlag)
	assert.Equal(t, 1.0, v.SexFlag)
	assert.Equal(t, 1.0, v.DosageFlag)
	assert.Equal(t, 1.0, v.FrequencyFlag)
	assert.Equal(t, 1.0, v.PregnancyFlag)
	assert.Equal(t, 0.0, v.AllergyFlag)
	assert.Equal(t, int32(0), calls.Load(), "matcher is not called for unknown drugs")
	assert.Equal(t, []string{"Mystery not found in drug database"}, v.Messages)
	require.Len(t, v.Drugs, 1)
	assert.False(t, v.Drugs[0].Known)
}

func TestScore_MessageOrder(t *testing.T) {
	matcher := StaticMatcher{Result: MatchResult{Conflict: true, Explanation: "Finasteride causes libido loss."}}
	e := New(testCatalog(), matcher)
	in := PrescriptionInput{
		Age:               10,
		Sex:               "female",
		Allergy:           "libido loss",
		Drugs:             "Finasteride,DrugX",
		Dosage:            "5,500",
		Frequency:         "2,2",
		PregnancyCategory: 0,
	}

	v, err := e.Score(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Finasteride isn't recommended for patient's age",
		"DrugX isn't recommended for patient's age",
		"Finasteride isn't compatible for patient's sex",
		"High dosage Finasteride, recommended dosage: 1",
		"High frequency Finasteride, recommended frequency: 1 times a day",
		"Finasteride and DrugX aren't compatible with each other",
		"Finasteride isn't compatible with pregnancy",
		"Finasteride causes libido loss.",
		"Finasteride causes libido loss.",
	}, v.Messages)
	assert.Equal(t, 1.0, v.AllergyFlag)
}

func TestScore_FlagsInUnitInterval(t *testing.T) {
	e := New(testCatalog(), StaticMatcher{Result: MatchResult{Conflict: true}})
	in := PrescriptionInput{
		Age:       30,
		Sex:       "female",
		Drugs:     "DrugX,Finasteride,Mystery,Freeform,DrugX",
		Dosage:    "900,1,1,10,abc",
		Frequency: "2,4,1,1,2",
	}

	v, err := e.Score(context.Background(), in)
	require.NoError(t, err)

	for _, d := range Dimensions {
		f := v.Dimension(d)
		assert.GreaterOrEqual(t, f, 0.0, string(d))
		assert.LessOrEqual(t, f, 1.0, string(d))
	}
	for _, d := range v.Drugs {
		for _, f := range []int{d.Age, d.Sex, d.Dosage, d.Frequency, d.Pregnancy, d.Allergy} {
			assert.Contains(t, []int{0, 1}, f)
		}
	}
	// DrugX listed twice is paired with itself.
	assert.Len(t, v.Pairs, 6)
}

func TestScore_Deterministic(t *testing.T) {
	e := New(testCatalog(), StaticMatcher{Result: MatchResult{Conflict: true, Explanation: "x"}})
	in := baseInput()
	in.Drugs = "DrugX,Finasteride,Mystery"
	in.Dosage = "600,1,2"
	in.Frequency = "2,1,1"

	first, err := e.Score(context.Background(), in)
	require.NoError(t, err)
	second, err := e.Score(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestScore_MatcherFailureIsFailOpen(t *testing.T) {
	var (
		mu       sync.Mutex
		reported []string
	)
	matcher := MatcherFunc(func(_ context.Context, sideEffects, _ string) (MatchResult, error) {
		if sideEffects == "nausea" {
			return MatchResult{}, ErrMatcherUnavailable
		}
		return MatchResult{Conflict: true, Explanation: "Finasteride causes it."}, nil
	})
	e := New(testCatalog(), matcher, WithFailureReporter(func(drug string, err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, drug)
		assert.ErrorIs(t, err, ErrMatcherUnavailable)
	}))
	in := baseInput()
	in.Sex = "male"
	in.Drugs = "DrugX,Finasteride"
	in.Dosage = "500,1"
	in.Frequency = "2,1"

	v, err := e.Score(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 0.5, v.AllergyFlag)
	assert.Equal(t, []string{"DrugX"}, reported)
	assert.Equal(t, 0, v.Drugs[0].Allergy)
	assert.Equal(t, 1, v.Drugs[1].Allergy)
	assert.Contains(t, v.Messages, "Finasteride causes it.")
}

func TestScore_CancelledContext(t *testing.T) {
	e := New(testCatalog(), StaticMatcher{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v, err := e.Score(ctx, baseInput())
	assert.Nil(t, v)
	assert.ErrorIs(t, err, ErrScoringFailed)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScore_InteractionThreshold(t *testing.T) {
	in := baseInput()
	in.Drugs = "DrugX,Freeform"
	in.Dosage = "500,1"
	in.Frequency = "2,1"

	// DrugX/Freeform share only pregnancy category and sex: 15.
	v, err := New(testCatalog(), StaticMatcher{}).Score(context.Background(), in)
	require.NoError(t, err)
	assert.InDelta(t, 0.15, v.DrugsFlag, 1e-12)
	assert.Contains(t, v.Messages, "DrugX and Freeform aren't compatible with each other")

	v, err = New(testCatalog(), StaticMatcher{}, WithInteractionThreshold(10)).Score(context.Background(), in)
	require.NoError(t, err)
	for _, m := range v.Messages {
		assert.NotContains(t, m, "aren't compatible with each other")
	}
}

func TestScore_PassesJoinedAllergies(t *testing.T) {
	var got string
	matcher := MatcherFunc(func(_ context.Context, _, allergies string) (MatchResult, error) {
		got = allergies
		return MatchResult{}, nil
	})
	_, err := New(testCatalog(), matcher).Score(context.Background(), baseInput())
	require.NoError(t, err)
	assert.Equal(t, "penicillin, latex", got)
}

func TestAllergyChecker_PreservesDrugOrder(t *testing.T) {
	cat := catalog.New([]catalog.DrugRecord{
		{DrugName: "A", SideEffects: "slow"},
		{DrugName: "B", SideEffects: "medium"},
		{DrugName: "C", SideEffects: "fast"},
	})
	delays := map[string]time.Duration{"slow": 30 * time.Millisecond, "medium": 15 * time.Millisecond, "fast": 0}
	matcher := MatcherFunc(func(ctx context.Context, sideEffects, _ string) (MatchResult, error) {
		time.Sleep(delays[sideEffects])
		return MatchResult{Conflict: true, Explanation: sideEffects}, nil
	})

	rx, err := ParsePrescription(PrescriptionInput{Drugs: "A,B,C", Dosage: "1,1,1", Frequency: "1,1,1"})
	require.NoError(t, err)

	res := NewAllergyChecker(matcher, 3, nil, nil).Check(context.Background(), rx, cat)
	assert.Equal(t, []string{"slow", "medium", "fast"}, res.Messages)
	assert.Equal(t, []int{1, 1, 1}, res.PerDrug)
	assert.Equal(t, 1.0, res.Flag)
}

func TestAllergyChecker_BoundedConcurrency(t *testing.T) {
	records := make([]catalog.DrugRecord, 8)
	names := make([]string, 8)
	ones := make([]string, 8)
	for i := range records {
		name := string(rune('A' + i))
		records[i] = catalog.DrugRecord{DrugName: name, SideEffects: name}
		names[i] = name
		ones[i] = "1"
	}
	var inFlight, peak atomic.Int32
	matcher := MatcherFunc(func(context.Context, string, string) (MatchResult, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return MatchResult{}, nil
	})

	rx, err := ParsePrescription(PrescriptionInput{
		Drugs:     strings.Join(names, ","),
		Dosage:    strings.Join(ones, ","),
		Frequency: strings.Join(ones, ","),
	})
	require.NoError(t, err)

	NewAllergyChecker(matcher, 2, nil, nil).Check(context.Background(), rx, catalog.New(records))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
