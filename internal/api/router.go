// Package api assembles the scoring HTTP API.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/api/handlers"
	"github.com/drfirst/go-rxsafety/internal/api/middleware"
	"github.com/drfirst/go-rxsafety/internal/observability/metrics"
	"github.com/drfirst/go-rxsafety/pkg/circuitbreaker"
)

type Options struct {
	ServiceName string
	Version     string

	Scorer handlers.Scorer
	// Assessments is nil when no database is configured; the assessment
	// routes are then not mounted.
	Assessments handlers.AssessmentService
	Checks      map[string]handlers.Check
	Breakers    *circuitbreaker.Registry
	Metrics     *metrics.Metrics

	APIKeys        map[string]bool
	RateLimitRPS   float64
	RateLimitBurst int64
	MaxRequestBody int64

	Logger *zap.Logger
}

func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	prescriptions := handlers.NewPrescriptionHandler(opts.Scorer, opts.Metrics, logger)
	health := handlers.NewHealthHandler(opts.ServiceName, opts.Version, opts.Checks, opts.Breakers)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(opts.ServiceName))
	if opts.Metrics != nil {
		r.Use(middleware.Metrics(opts.Metrics))
	}

	r.Get("/health", health.Live)
	r.Get("/ready", health.Ready)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	auth := middleware.APIKeyAuth(opts.APIKeys)
	rateLimit := middleware.RateLimit(opts.RateLimitRPS, opts.RateLimitBurst)
	bodyLimit := middleware.MaxBodySize(opts.MaxRequestBody)
	limited := func(r chi.Router) {
		r.Use(auth, rateLimit, bodyLimit)
	}

	r.Group(func(r chi.Router) {
		limited(r)
		r.Post("/check-prescription", prescriptions.Check)
	})

	r.Route("/api/v1", func(r chi.Router) {
		limited(r)
		r.Post("/fhir/screen", prescriptions.Screen)
		r.Get("/drugs/{name}", prescriptions.GetDrug)
		if opts.Assessments != nil {
			r.Mount("/assessments", handlers.NewAssessmentHandler(opts.Assessments, logger).Routes())
		}
	})

	return r
}
