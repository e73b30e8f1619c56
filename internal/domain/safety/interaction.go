package safety

import (
	"fmt"

	"github.com/drfirst/go-rxsafety/internal/domain/catalog"
)

// Pair similarity weights; they sum to 100.
const (
	weightCondition   = 25
	weightSideEffects = 15
	weightDrugClasses = 15
	weightPregnancy   = 10
	weightAlcohol     = 10
	weightMinAge      = 10
	weightMaxAge      = 10
	weightSex         = 5

	ageTolerance = 2

	// DefaultInteractionThreshold is the pair score below which two drugs
	// are reported as incompatible.
	DefaultInteractionThreshold = 50
)

// PairScore rates how closely two catalog records agree, out of 100.
// Unknown numeric fields never count as agreeing.
// High overlap is treated as jointly vetted, low overlap as risky.
func PairScore(a, b catalog.DrugRecord) int {
	score := 0
	if a.MedicalCondition == b.MedicalCondition {
		score += weightCondition
	}
	if a.SideEffects == b.SideEffects {
		score += weightSideEffects
	}
	if a.DrugClasses == b.DrugClasses {
		score += weightDrugClasses
	}
	if sameInt(a.PregnancyCategory, b.PregnancyCategory, 0) {
		score += weightPregnancy
	}
	if a.Alcohol == b.Alcohol {
		score += weightAlcohol
	}
	if sameInt(a.MinAgeLimit, b.MinAgeLimit, ageTolerance) {
		score += weightMinAge
	}
	if sameInt(a.MaxAgeLimit, b.MaxAgeLimit, ageTolerance) {
		score += weightMaxAge
	}
	if a.Sex == b.Sex {
		score += weightSex
	}
	return score
}

// PairResult is the score of one positional drug pair.
type PairResult struct {
	First      string `json:"first"`
	Second     string `json:"second"`
	Score      int    `json:"score"`
	Compatible bool   `json:"compatible"`
}

// InteractionResult is the prescription-level interaction outcome.
// Flag is the mean pair score divided by 100.
type InteractionResult struct {
	Flag     float64
	Pairs    []PairResult
	Messages []string
}

// CheckInteractions scores every pair i<j of prescribed drugs. A drug listed
// twice is paired with itself. Pairs involving an unknown drug are skipped.
func CheckInteractions(rx *Prescription, cat catalog.Catalog, threshold int) InteractionResult {
	records := make([]*catalog.DrugRecord, len(rx.Drugs))
	for i, d := range rx.Drugs {
		if rec, ok := cat.Lookup(d.Name); ok {
			rec := rec
			records[i] = &rec
		}
	}

	var (
		res   InteractionResult
		total int
	)
	for i := 0; i < len(records); i++ {
		for j := i + 1; j < len(records); j++ {
			a, b := records[i], records[j]
			if a == nil || b == nil {
				continue
			}
			score := PairScore(*a, *b)
			total += score
			pair := PairResult{First: a.DrugName, Second: b.DrugName, Score: score, Compatible: score >= threshold}
			res.Pairs = append(res.Pairs, pair)
			if !pair.Compatible {
				res.Messages = append(res.Messages,
					fmt.Sprintf("%s and %s aren't compatible with each other", a.DrugName, b.DrugName))
			}
		}
	}

	if len(res.Pairs) > 0 {
		res.Flag = float64(total) / float64(len(res.Pairs)) / 100
	}
	return res
}

// sameInt reports whether two catalog values are known and within tol.
func sameInt(a, b *int, tol int) bool {
	if a == nil || b == nil {
		return false
	}
	return absInt(*a-*b) <= tol
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
