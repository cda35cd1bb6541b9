package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kelicad/simagent/internal/state"
	"github.com/kelicad/simagent/internal/store"
)

const defaultHealthCheckTimeout = 5 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    store.Repository
	state   *state.AgentState
	timeout time.Duration
}

// NewHealthHandler creates a new health handler. repo may be nil.
func NewHealthHandler(repo store.Repository, st *state.AgentState) *HealthHandler {
	return &HealthHandler{repo: repo, state: st, timeout: defaultHealthCheckTimeout}
}

// Health returns the health status of the agent and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			slog.Error("Health check failed", "error", err)
			status["status"] = "degraded"
			checks["database"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}

	if h.state != nil {
		engines := h.state.Engines()
		if engines.LTspiceAvailable() || engines.NgspiceAvailable() {
			checks["simulator"] = "ok"
		} else {
			checks["simulator"] = "missing"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
