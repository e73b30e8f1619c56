package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxsafety/internal/domain/safety"
	"github.com/drfirst/go-rxsafety/pkg/circuitbreaker"
)

func TestObserveScore(t *testing.T) {
	m := New(nil)

	m.ObserveScore(&safety.FlagVector{AgeFlag: 1, Flag: 0.12}, 10*time.Millisecond, nil)
	m.ObserveScore(nil, time.Millisecond, &safety.ValidationError{Field: "dosage", Message: "bad"})
	m.ObserveScore(nil, time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScoresTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScoresTotal.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScoresTotal.WithLabelValues("error")))
	assert.Equal(t, len(safety.Dimensions), testutil.CollectAndCount(m.DimensionFlag))
}

func TestMatcherFailureAndBreakerState(t *testing.T) {
	m := New(nil)
	m.MatcherFailure("Aspirin", errors.New("timeout"))
	m.MatcherFailure("Ibuprofen", errors.New("timeout"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MatcherFailures))

	m.BreakerStateChanged("openai", circuitbreaker.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("openai")))
	m.BreakerStateChanged("openai", circuitbreaker.StateHalfOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("openai")))
	m.BreakerStateChanged("openai", circuitbreaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("openai")))
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.CatalogDrugs.Set(42)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rxsafety_catalog_drugs 42")
}
