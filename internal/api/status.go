package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kelicad/simagent/internal/domain"
	"github.com/kelicad/simagent/internal/store"
)

const maxListLimit = 500

// StatusHandler serves the read-only agent status and job history.
type StatusHandler struct {
	*Handler
}

// NewStatusHandler creates a status handler.
func NewStatusHandler(base *Handler) *StatusHandler {
	return &StatusHandler{Handler: base}
}

// RegisterRoutes registers the status routes under r, which is expected
// to be mounted at /api.
func (h *StatusHandler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.GetStatus)
	r.Get("/jobs", h.ListJobs)
}

// GetStatus returns a snapshot of the agent state.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.state.Snapshot())
}

// ListJobs returns recent jobs, newest first. The optional limit query
// parameter bounds the result.
func (h *StatusHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		Error(w, http.StatusServiceUnavailable, "job history is disabled")
		return
	}

	limit := store.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	jobs, err := h.repo.ListJobs(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to list jobs", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*domain.JobRecord{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}
