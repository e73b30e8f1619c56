package safety

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPrescription marks input that cannot be scored as given.
	ErrInvalidPrescription = errors.New("invalid prescription")

	// ErrScoringFailed wraps any unexpected failure during scoring.
	ErrScoringFailed = errors.New("scoring failed")

	// ErrMatcherUnavailable is returned by matchers that cannot serve a request.
	ErrMatcherUnavailable = errors.New("semantic matcher unavailable")
)

// ValidationError describes a malformed prescription field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is(err, ErrInvalidPrescription) match.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidPrescription
}
