package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/config"
	"github.com/drfirst/go-rxsafety/internal/observability/metrics"
	"github.com/drfirst/go-rxsafety/internal/observability/tracing"
)

// Tracing installs the OpenTelemetry providers when enabled. The returned
// function flushes them and is safe to call either way.
func Tracing(ctx context.Context, cfg *config.Config, service, version string) (func(), error) {
	if !cfg.TracingEnabled {
		return func() {}, nil
	}
	tc := tracing.DefaultConfig(service)
	tc.ServiceVersion = version
	tc.Environment = cfg.Env
	tc.OTLPEndpoint = cfg.OTLPEndpoint
	provider, err := tracing.Init(ctx, tc)
	if err != nil {
		return nil, err
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}, nil
}

// NewMetrics registers the service metrics next to the Go runtime and
// process collectors.
func NewMetrics() *metrics.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return metrics.New(reg)
}

// ServeAdmin serves /health and /metrics for the background services until
// ctx is cancelled.
func ServeAdmin(ctx context.Context, port int, service string, m *metrics.Metrics, logger *zap.Logger) {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","service":"` + service + `"}`))
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", zap.Error(err))
		}
	}()
}
