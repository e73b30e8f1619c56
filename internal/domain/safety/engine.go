package safety

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-rxsafety/internal/domain/catalog"
)

// DefaultAllergyConcurrency bounds matcher calls per prescription.
const DefaultAllergyConcurrency = 4

// FlagVector is the scoring outcome of one prescription.
type FlagVector struct {
	AgeFlag       float64          `json:"age_flag"`
	SexFlag       float64          `json:"sex_flag"`
	DosageFlag    float64          `json:"dosage_flag"`
	FrequencyFlag float64          `json:"frequency_flag"`
	DrugsFlag     float64          `json:"drugs_flag"`
	PregnancyFlag float64          `json:"pregnancy_flag"`
	AllergyFlag   float64          `json:"allergy_flag"`
	Flag          float64          `json:"flag"`
	Messages      []string         `json:"messages"`
	Drugs         []DrugAssessment `json:"drugs,omitempty"`
	Pairs         []PairResult     `json:"pairs,omitempty"`
}

// DrugAssessment carries the per-drug binary flags behind the dimension means.
type DrugAssessment struct {
	Name      string `json:"name"`
	Known     bool   `json:"known"`
	Age       int    `json:"age"`
	Sex       int    `json:"sex"`
	Dosage    int    `json:"dosage"`
	Frequency int    `json:"frequency"`
	Pregnancy int    `json:"pregnancy"`
	Allergy   int    `json:"allergy"`
}

// Vector returns the seven dimension flags in Dimensions order.
func (v *FlagVector) Vector() [7]float64 {
	return [7]float64{
		v.AgeFlag,
		v.SexFlag,
		v.AllergyFlag,
		v.DrugsFlag,
		v.DosageFlag,
		v.FrequencyFlag,
		v.PregnancyFlag,
	}
}

// Dimension returns the flag of a single dimension.
func (v *FlagVector) Dimension(d Dimension) float64 {
	switch d {
	case DimensionAge:
		return v.AgeFlag
	case DimensionSex:
		return v.SexFlag
	case DimensionAllergy:
		return v.AllergyFlag
	case DimensionInteraction:
		return v.DrugsFlag
	case DimensionDosage:
		return v.DosageFlag
	case DimensionFrequency:
		return v.FrequencyFlag
	case DimensionPregnancy:
		return v.PregnancyFlag
	}
	return 0
}

// Option configures an Engine.
type Option func(*Engine)

// WithInteractionThreshold sets the pair score below which drugs are
// reported as incompatible.
func WithInteractionThreshold(threshold int) Option {
	return func(e *Engine) { e.threshold = threshold }
}

// WithAllergyConcurrency bounds concurrent matcher calls per prescription.
func WithAllergyConcurrency(n int) Option {
	return func(e *Engine) { e.allergyConcurrency = n }
}

// WithLogger sets the engine logger. A nil logger keeps the no-op default.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithFailureReporter registers a hook for matcher failures.
func WithFailureReporter(r FailureReporter) Option {
	return func(e *Engine) { e.onFailure = r }
}

// Engine scores prescriptions against an immutable catalog.
// It is safe for concurrent use.
type Engine struct {
	catalog            catalog.Catalog
	allergy            *AllergyChecker
	threshold          int
	allergyConcurrency int
	logger             *zap.Logger
	onFailure          FailureReporter
	tracer             trace.Tracer
}

// New creates an engine over the given catalog and semantic matcher.
func New(cat catalog.Catalog, matcher SemanticMatcher, opts ...Option) *Engine {
	e := &Engine{
		catalog:            cat,
		threshold:          DefaultInteractionThreshold,
		allergyConcurrency: DefaultAllergyConcurrency,
		logger:             zap.NewNop(),
		tracer:             otel.Tracer("safety-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.allergy = NewAllergyChecker(matcher, e.allergyConcurrency, e.logger, e.onFailure)
	return e
}

// Catalog returns the catalog the engine scores against.
func (e *Engine) Catalog() catalog.Catalog {
	return e.catalog
}

// Score evaluates one prescription on all seven dimensions and aggregates
// them. Invalid input fails with ErrInvalidPrescription; anything else that
// stops scoring fails with ErrScoringFailed. No partial result is returned.
func (e *Engine) Score(ctx context.Context, in PrescriptionInput) (*FlagVector, error) {
	ctx, span := e.tracer.Start(ctx, "safety.Score",
		trace.WithAttributes(attribute.String("drugs", in.Drugs)),
	)
	defer span.End()

	start := time.Now()

	rx, err := ParsePrescription(in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid prescription")
		return nil, err
	}
	span.SetAttributes(attribute.Int("drug_count", len(rx.Drugs)))

	var (
		age, sex, dosage, frequency, pregnancy, allergy DimensionResult
		interaction                                     InteractionResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { age = CheckAge(rx, e.catalog); return nil })
	g.Go(func() error { sex = CheckSex(rx, e.catalog); return nil })
	g.Go(func() error { dosage = CheckDosage(rx, e.catalog); return nil })
	g.Go(func() error { frequency = CheckFrequency(rx, e.catalog); return nil })
	g.Go(func() error { pregnancy = CheckPregnancy(rx, e.catalog); return nil })
	g.Go(func() error { interaction = CheckInteractions(rx, e.catalog, e.threshold); return nil })
	g.Go(func() error { allergy = e.allergy.Check(gctx, rx, e.catalog); return nil })
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scoring interrupted")
		return nil, fmt.Errorf("%w: %w", ErrScoringFailed, err)
	}

	v := &FlagVector{
		AgeFlag:       age.Flag,
		SexFlag:       sex.Flag,
		DosageFlag:    dosage.Flag,
		FrequencyFlag: frequency.Flag,
		DrugsFlag:     interaction.Flag,
		PregnancyFlag: pregnancy.Flag,
		AllergyFlag:   allergy.Flag,
		Pairs:         interaction.Pairs,
	}
	v.Flag = Aggregate(v.Vector())

	v.Messages = make([]string, 0,
		len(age.Messages)+len(sex.Messages)+len(dosage.Messages)+len(frequency.Messages)+
			len(interaction.Messages)+len(pregnancy.Messages)+len(allergy.Messages))
	v.Messages = append(v.Messages, age.Messages...)
	v.Messages = append(v.Messages, sex.Messages...)
	v.Messages = append(v.Messages, dosage.Messages...)
	v.Messages = append(v.Messages, frequency.Messages...)
	v.Messages = append(v.Messages, interaction.Messages...)
	v.Messages = append(v.Messages, pregnancy.Messages...)
	v.Messages = append(v.Messages, allergy.Messages...)

	v.Drugs = make([]DrugAssessment, len(rx.Drugs))
	for i, d := range rx.Drugs {
		_, known := e.catalog.Lookup(d.Name)
		v.Drugs[i] = DrugAssessment{
			Name:      d.Name,
			Known:     known,
			Age:       age.PerDrug[i],
			Sex:       sex.PerDrug[i],
			Dosage:    dosage.PerDrug[i],
			Frequency: frequency.PerDrug[i],
			Pregnancy: pregnancy.PerDrug[i],
			Allergy:   allergy.PerDrug[i],
		}
	}

	span.SetAttributes(attribute.Float64("flag", v.Flag))
	e.logger.Debug("Prescription scored",
		zap.Int("drugs", len(rx.Drugs)),
		zap.Float64("flag", v.Flag),
		zap.Int("messages", len(v.Messages)),
		zap.Duration("duration", time.Since(start)),
	)

	return v, nil
}
