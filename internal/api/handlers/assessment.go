package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/api/middleware"
	"github.com/drfirst/go-rxsafety/internal/domain/assessment"
	"github.com/drfirst/go-rxsafety/internal/domain/safety"
)

// AssessmentService is implemented by *assessment.Service.
type AssessmentService interface {
	Assess(ctx context.Context, in safety.PrescriptionInput, correlationID string) (*assessment.Aggregate, error)
	Get(ctx context.Context, id string) (*assessment.Aggregate, error)
	Events(ctx context.Context, id string) ([]*assessment.Event, error)
	Acknowledge(ctx context.Context, id, by, note string) (*assessment.Aggregate, error)
	Complete(ctx context.Context, id, by, note string, sideEffects []string) (*assessment.Aggregate, error)
}

// AssessmentHandler handles persisted assessments.
type AssessmentHandler struct {
	service AssessmentService
	logger  *zap.Logger
}

func NewAssessmentHandler(service AssessmentService, logger *zap.Logger) *AssessmentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssessmentHandler{service: service, logger: logger}
}

// Routes returns the handler routes
func (h *AssessmentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/events", h.GetEvents)
	r.Post("/{id}/acknowledge", h.Acknowledge)
	r.Post("/{id}/complete", h.Complete)
	return r
}

// Create handles POST /assessments
func (h *AssessmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in safety.PrescriptionInput
	if err := decode(r, &in); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	agg, err := h.service.Assess(ctx, in, middleware.GetRequestID(ctx))
	if err != nil {
		writeDomainError(w, h.logger, err, middleware.GetRequestID(ctx))
		return
	}

	w.Header().Set("Location", "/api/v1/assessments/"+agg.ID())
	writeJSON(w, http.StatusCreated, agg.Snapshot())
}

// Get handles GET /assessments/{id}
func (h *AssessmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	agg, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.logger, err, middleware.GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, agg.Snapshot())
}

// GetEvents handles GET /assessments/{id}/events
func (h *AssessmentHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.logger, err, middleware.GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type AcknowledgeRequest struct {
	By   string `json:"by"`
	Note string `json:"note,omitempty"`
}

// Acknowledge handles POST /assessments/{id}/acknowledge
func (h *AssessmentHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	var req AcknowledgeRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	agg, err := h.service.Acknowledge(r.Context(), chi.URLParam(r, "id"), req.By, req.Note)
	if err != nil {
		writeDomainError(w, h.logger, err, middleware.GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, agg.Snapshot())
}

type CompleteRequest struct {
	By          string   `json:"by,omitempty"`
	Note        string   `json:"note,omitempty"`
	SideEffects []string `json:"side_effects,omitempty"`
}

// Complete handles POST /assessments/{id}/complete
func (h *AssessmentHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	agg, err := h.service.Complete(r.Context(), chi.URLParam(r, "id"), req.By, req.Note, req.SideEffects)
	if err != nil {
		writeDomainError(w, h.logger, err, middleware.GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, agg.Snapshot())
}
