// Package health provides health check and readiness probe HTTP handlers.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rgould/guardcore/internal/breaker"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

// Handler provides /health and /ready endpoints. Readiness is derived
// from circuit breaker state: an open breaker means a protected
// dependency is known bad.
type Handler struct {
	registry *breaker.Registry
	logger   *slog.Logger
}

// New creates a new health check Handler.
func New(registry *breaker.Registry, logger *slog.Logger) *Handler {
	return &Handler{registry: registry, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

// readiness reports 503 when any known dependency's breaker is open.
// Half-open counts as ready: a trial is in flight and traffic is about
// to be restored or the breaker will reopen on its own.
func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	snapshots := h.registry.Status()

	dependencies := make(map[string]string, len(snapshots))
	anyOpen := false
	for key, snap := range snapshots {
		dependencies[key] = snap.State.String()
		if snap.State == breaker.StateOpen {
			anyOpen = true
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if anyOpen {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]any{
		"status":       statusStr,
		"dependencies": dependencies,
	})
	body = append(body, '\n')

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}
