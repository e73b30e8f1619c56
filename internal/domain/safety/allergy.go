package safety

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-rxsafety/internal/domain/catalog"
)

// MatchResult is the verdict of a semantic match between a drug's side
// effects and the patient's allergies.
type MatchResult struct {
	Conflict    bool   `json:"conflict"`
	Explanation string `json:"explanation,omitempty"`
}

// SemanticMatcher decides whether side effects conflict with allergies.
// Implementations may call out to a network classifier and may fail.
type SemanticMatcher interface {
	Match(ctx context.Context, sideEffects, allergies string) (MatchResult, error)
}

// MatcherFunc adapts a function to SemanticMatcher.
type MatcherFunc func(ctx context.Context, sideEffects, allergies string) (MatchResult, error)

func (f MatcherFunc) Match(ctx context.Context, sideEffects, allergies string) (MatchResult, error) {
	return f(ctx, sideEffects, allergies)
}

// StaticMatcher always returns the same result. The zero value never
// reports a conflict, which is what offline scoring uses.
type StaticMatcher struct {
	Result MatchResult
	Err    error
}

func (m StaticMatcher) Match(context.Context, string, string) (MatchResult, error) {
	return m.Result, m.Err
}

// FailureReporter is notified of every matcher failure. Failures never
// abort scoring.
type FailureReporter func(drug string, err error)

// AllergyChecker scores the allergy dimension through a SemanticMatcher.
type AllergyChecker struct {
	matcher     SemanticMatcher
	concurrency int
	logger      *zap.Logger
	onFailure   FailureReporter
}

// NewAllergyChecker creates a checker that runs at most concurrency
// matcher calls at once for a single prescription.
func NewAllergyChecker(matcher SemanticMatcher, concurrency int, logger *zap.Logger, onFailure FailureReporter) *AllergyChecker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AllergyChecker{
		matcher:     matcher,
		concurrency: concurrency,
		logger:      logger,
		onFailure:   onFailure,
	}
}

// Check matches each known drug's side effects against the patient's
// allergies. Unknown drugs and matcher failures score 0. Messages keep
// prescription order regardless of completion order.
func (c *AllergyChecker) Check(ctx context.Context, rx *Prescription, cat catalog.Catalog) DimensionResult {
	n := len(rx.Drugs)
	flags := make([]int, n)
	explanations := make([]string, n)
	allergies := rx.Patient.AllergyText()

	var reportMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, d := range rx.Drugs {
		rec, ok := cat.Lookup(d.Name)
		if !ok {
			continue
		}
		i, name, sideEffects := i, d.Name, rec.SideEffects
		g.Go(func() error {
			res, err := c.matcher.Match(gctx, sideEffects, allergies)
			if err != nil {
				c.logger.Warn("Allergy match failed",
					zap.String("drug", name),
					zap.Error(err),
				)
				if c.onFailure != nil {
					reportMu.Lock()
					c.onFailure(name, err)
					reportMu.Unlock()
				}
				return nil
			}
			if res.Conflict {
				flags[i] = 1
			}
			explanations[i] = res.Explanation
			return nil
		})
	}
	_ = g.Wait()

	var messages []string
	for _, e := range explanations {
		if e != "" {
			messages = append(messages, e)
		}
	}
	return newResult(flags, messages)
}
