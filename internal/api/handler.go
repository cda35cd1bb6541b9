// Package api provides HTTP handlers for the agent's status API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/kelicad/simagent/internal/state"
	"github.com/kelicad/simagent/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	state *state.AgentState
	repo  store.Repository
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(st *state.AgentState, repo store.Repository) *Handler {
	return &Handler{state: st, repo: repo}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
