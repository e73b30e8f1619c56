package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/drfirst/go-rxsafety/pkg/circuitbreaker"
)

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

type HealthHandler struct {
	service  string
	version  string
	checks   map[string]Check
	breakers *circuitbreaker.Registry
}

// NewHealthHandler builds liveness and readiness handlers. breakers may be nil.
func NewHealthHandler(service, version string, checks map[string]Check, breakers *circuitbreaker.Registry) *HealthHandler {
	return &HealthHandler{service: service, version: version, checks: checks, breakers: breakers}
}

// Live handles GET /health
func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": h.service,
		"version": h.version,
	})
}

type readiness struct {
	Status   string                        `json:"status"`
	Checks   map[string]string             `json:"checks"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers,omitempty"`
}

// Ready handles GET /ready. An open breaker is reported but does not fail
// readiness: scoring continues with the allergy dimension at zero.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := readiness{Status: "ready", Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "not ready"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	if h.breakers != nil {
		resp.Breakers = h.breakers.Health()
	}
	writeJSON(w, status, resp)
}
