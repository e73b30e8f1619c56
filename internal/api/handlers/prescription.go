package handlers

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/api/middleware"
	"github.com/drfirst/go-rxsafety/internal/domain/catalog"
	"github.com/drfirst/go-rxsafety/internal/domain/safety"
	fhir "github.com/drfirst/go-rxsafety/internal/fhir/r5"
	"github.com/drfirst/go-rxsafety/internal/observability/metrics"
)

// Scorer is the part of the safety engine the handlers need.
type Scorer interface {
	Score(ctx context.Context, in safety.PrescriptionInput) (*safety.FlagVector, error)
	Catalog() catalog.Catalog
}

// PrescriptionHandler serves stateless scoring: the compatibility endpoint,
// FHIR screening and catalog lookups.
type PrescriptionHandler struct {
	scorer  Scorer
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewPrescriptionHandler creates a new handler. m may be nil.
func NewPrescriptionHandler(scorer Scorer, m *metrics.Metrics, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{scorer: scorer, metrics: m, logger: logger, now: time.Now}
}

// CheckResponse is the flag vector without per-drug detail.
type CheckResponse struct {
	AgeFlag       float64  `json:"age_flag"`
	SexFlag       float64  `json:"sex_flag"`
	DosageFlag    float64  `json:"dosage_flag"`
	FrequencyFlag float64  `json:"frequency_flag"`
	DrugsFlag     float64  `json:"drugs_flag"`
	PregnancyFlag float64  `json:"pregnancy_flag"`
	AllergyFlag   float64  `json:"allergy_flag"`
	Flag          float64  `json:"flag"`
	Messages      []string `json:"messages"`
}

func newCheckResponse(v *safety.FlagVector) CheckResponse {
	return CheckResponse{
		AgeFlag:       v.AgeFlag,
		SexFlag:       v.SexFlag,
		DosageFlag:    v.DosageFlag,
		FrequencyFlag: v.FrequencyFlag,
		DrugsFlag:     v.DrugsFlag,
		PregnancyFlag: v.PregnancyFlag,
		AllergyFlag:   v.AllergyFlag,
		Flag:          v.Flag,
		Messages:      v.Messages,
	}
}

// Check handles POST /check-prescription
func (h *PrescriptionHandler) Check(w http.ResponseWriter, r *http.Request) {
	var in safety.PrescriptionInput
	if err := decode(r, &in); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.score(r, in)
	if err != nil {
		writeDomainError(w, h.logger, err, middleware.GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, newCheckResponse(result))
}

// Screen handles POST /api/v1/fhir/screen. Errors come back as
// OperationOutcome resources.
func (h *PrescriptionHandler) Screen(w http.ResponseWriter, r *http.Request) {
	var req fhir.ScreeningRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, fhir.NewErrorOutcome("structure", "invalid request body"))
		return
	}

	in, err := fhir.ToPrescription(&req, h.now())
	if err == nil {
		var result *safety.FlagVector
		if result, err = h.score(r, in); err == nil {
			writeJSON(w, http.StatusOK, result)
			return
		}
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("screening failed", zap.String("request_id", middleware.GetRequestID(r.Context())), zap.Error(err))
		writeJSON(w, status, fhir.NewErrorOutcome("exception", "internal server error"))
		return
	}
	writeJSON(w, status, fhir.NewErrorOutcome("invalid", err.Error()))
}

// GetDrug handles GET /api/v1/drugs/{name}
func (h *PrescriptionHandler) GetDrug(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		jsonError(w, "invalid drug name", http.StatusBadRequest)
		return
	}
	record, ok := h.scorer.Catalog().Lookup(name)
	if !ok {
		jsonError(w, "drug not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *PrescriptionHandler) score(r *http.Request, in safety.PrescriptionInput) (*safety.FlagVector, error) {
	ctx, span := otel.Tracer("prescription-handler").Start(r.Context(), "score_prescription")
	defer span.End()

	start := time.Now()
	result, err := h.scorer.Score(ctx, in)
	if h.metrics != nil {
		h.metrics.ObserveScore(result, time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Float64("flag", result.Flag),
		attribute.Int("messages", len(result.Messages)),
	)
	return result, nil
}
