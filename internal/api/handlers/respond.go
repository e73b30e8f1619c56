// Package handlers provides HTTP handlers for the scoring API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/domain/assessment"
	"github.com/drfirst/go-rxsafety/internal/domain/safety"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// decode reads a JSON body. Unknown fields are accepted.
func decode(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, safety.ErrInvalidPrescription), errors.Is(err, assessment.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, assessment.ErrAssessmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, assessment.ErrInvalidTransition), errors.Is(err, assessment.ErrConcurrentModification):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError hides internal failures behind a generic message.
func writeDomainError(w http.ResponseWriter, logger *zap.Logger, err error, requestID string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.String("request_id", requestID), zap.Error(err))
		jsonError(w, "internal server error", status)
		return
	}
	jsonError(w, err.Error(), status)
}
