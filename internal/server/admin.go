package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/gatewarden/warden/internal"
	"github.com/gatewarden/warden/internal/circuitbreaker"
)

type serviceEntry struct {
	Name           string   `json:"name"`
	Upstream       string   `json:"upstream"`
	TimeoutSeconds float64  `json:"timeout_seconds"`
	Public         bool     `json:"public"`
	RequiredScopes []string `json:"required_scopes,omitempty"`
}

type serviceListResponse struct {
	Services []serviceEntry `json:"services"`
}

// handleListServices returns the configured route table.
func (s *server) handleListServices(w http.ResponseWriter, _ *http.Request) {
	routes := s.deps.Routes.List()
	entries := make([]serviceEntry, len(routes))
	for i, rt := range routes {
		entries[i] = serviceEntry{
			Name:           rt.Name,
			Upstream:       rt.Upstream,
			TimeoutSeconds: rt.Timeout.Seconds(),
			Public:         rt.Public,
			RequiredScopes: rt.RequiredScopes,
		}
	}
	writeJSON(w, http.StatusOK, serviceListResponse{Services: entries})
}

type circuitListResponse struct {
	Circuits []circuitbreaker.Status `json:"circuits"`
}

// handleListCircuits returns the breaker state of every configured service.
func (s *server) handleListCircuits(w http.ResponseWriter, r *http.Request) {
	circuits, err := s.deps.Circuits.StatusAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("state store unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, circuitListResponse{Circuits: circuits})
}

// handleResetCircuit forces a breaker back to Closed. Resetting an already
// closed breaker is a no-op and still succeeds.
func (s *server) handleResetCircuit(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if err := s.deps.Circuits.Reset(r.Context(), service); err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse("unknown service '"+service+"'"))
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("state store unavailable"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
