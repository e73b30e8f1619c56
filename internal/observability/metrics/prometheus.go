// Package metrics exposes Prometheus metrics for scoring and its pipeline.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-rxsafety/internal/domain/safety"
	"github.com/drfirst/go-rxsafety/pkg/circuitbreaker"
)

type Metrics struct {
	ScoresTotal      *prometheus.CounterVec
	ScoreDuration    prometheus.Histogram
	DimensionFlag    *prometheus.HistogramVec
	AggregateFlag    prometheus.Histogram
	MatcherFailures  prometheus.Counter
	CatalogDrugs     prometheus.Gauge
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	MessagesConsumed *prometheus.CounterVec
	MessagesProduced *prometheus.CounterVec
	OutboxPending    prometheus.Gauge
	OutboxFailed     prometheus.Gauge
	BreakerState     *prometheus.GaugeVec
	WorkerQueueDepth prometheus.Gauge

	gatherer prometheus.Gatherer
}

// flagBuckets cover the unit interval in tenths.
var flagBuckets = prometheus.LinearBuckets(0, 0.1, 11)

// New creates the metrics and registers them with reg. A nil reg uses a
// fresh registry, which keeps tests independent of the global one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		ScoresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxsafety_scores_total",
			Help: "Prescriptions scored, by outcome",
		}, []string{"outcome"}),
		ScoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rxsafety_score_duration_seconds",
			Help:    "Time to score one prescription",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		DimensionFlag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rxsafety_dimension_flag",
			Help:    "Per-dimension flag values",
			Buckets: flagBuckets,
		}, []string{"dimension"}),
		AggregateFlag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rxsafety_aggregate_flag",
			Help:    "Aggregate flag values",
			Buckets: prometheus.LinearBuckets(0, 0.025, 11),
		}),
		MatcherFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rxsafety_allergy_matcher_failures_total",
			Help: "Semantic matcher calls that failed and were scored as no conflict",
		}),
		CatalogDrugs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rxsafety_catalog_drugs",
			Help: "Drugs in the loaded catalog",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxsafety_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rxsafety_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		MessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxsafety_messages_consumed_total",
			Help: "Redpanda messages handled, by topic and outcome",
		}, []string{"topic", "outcome"}),
		MessagesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxsafety_messages_produced_total",
			Help: "Redpanda messages produced, by topic",
		}, []string{"topic"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rxsafety_outbox_pending_entries",
			Help: "Outbox entries waiting to be published",
		}),
		OutboxFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rxsafety_outbox_failed_entries",
			Help: "Outbox entries that exhausted their retries",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rxsafety_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		WorkerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rxsafety_worker_queue_depth",
			Help: "Jobs waiting in the scoring worker pool",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.ScoresTotal,
		m.ScoreDuration,
		m.DimensionFlag,
		m.AggregateFlag,
		m.MatcherFailures,
		m.CatalogDrugs,
		m.HTTPRequests,
		m.HTTPDuration,
		m.MessagesConsumed,
		m.MessagesProduced,
		m.OutboxPending,
		m.OutboxFailed,
		m.BreakerState,
		m.WorkerQueueDepth,
	)
	return m
}

// ObserveScore records one scoring call.
func (m *Metrics) ObserveScore(result *safety.FlagVector, took time.Duration, err error) {
	m.ScoreDuration.Observe(took.Seconds())
	if err != nil {
		m.ScoresTotal.WithLabelValues(outcome(err)).Inc()
		return
	}
	m.ScoresTotal.WithLabelValues("ok").Inc()
	for _, d := range safety.Dimensions {
		m.DimensionFlag.WithLabelValues(string(d)).Observe(result.Dimension(d))
	}
	m.AggregateFlag.Observe(result.Flag)
}

func outcome(err error) string {
	if errors.Is(err, safety.ErrInvalidPrescription) {
		return "invalid"
	}
	return "error"
}

// MatcherFailure has the shape of safety.FailureReporter.
func (m *Metrics) MatcherFailure(string, error) {
	m.MatcherFailures.Inc()
}

// BreakerStateChanged has the shape of circuitbreaker.StateListener.
func (m *Metrics) BreakerStateChanged(name string, to circuitbreaker.State) {
	var v float64
	switch to {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.BreakerState.WithLabelValues(name).Set(v)
}

// Handler serves the registry this Metrics was registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
