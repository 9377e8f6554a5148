package server

import (
	"net/http"

	"github.com/gatewarden/warden/internal/circuitbreaker"
)

type healthResponse struct {
	Status string `json:"status"`
}

type detailedHealthResponse struct {
	Status   string                  `json:"status"`
	Store    string                  `json:"store"`
	Circuits []circuitbreaker.Status `json:"circuits"`
}

// handleHealth reports liveness. The gateway keeps serving when the store is
// down (limiters and breakers fail open), so a degraded store does not turn
// the endpoint unhealthy.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.deps.StoreCheck != nil && s.deps.StoreCheck(r.Context()) != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: status})
}

// handleHealthDetailed adds per-service circuit state and store reachability.
func (s *server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	resp := detailedHealthResponse{Status: "ok", Store: "up"}
	if s.deps.StoreCheck != nil && s.deps.StoreCheck(r.Context()) != nil {
		resp.Status = "degraded"
		resp.Store = "down"
	}

	if resp.Store == "up" {
		circuits, err := s.deps.Circuits.StatusAll(r.Context())
		if err != nil {
			resp.Status = "degraded"
			resp.Store = "down"
		} else {
			resp.Circuits = circuits
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
