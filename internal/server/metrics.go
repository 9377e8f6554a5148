package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gatewarden/warden/internal/telemetry"
)

// handleMetrics serves the process-local JSON metrics snapshot. The
// Prometheus scrape surface lives at /metrics/prometheus.
func (s *server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Stats == nil {
		writeJSON(w, http.StatusOK, telemetry.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Stats.Snapshot())
}

// handleMetricsReset clears the JSON metrics counters and latency
// reservoirs. Prometheus collectors are monotonic and are not touched.
func (s *server) handleMetricsReset(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Stats != nil {
		s.deps.Stats.Reset()
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "metrics reset"})
}

type latencyResponse struct {
	Service string `json:"service"`
	telemetry.LatencyStats
}

// handleLatency serves the latency summary for a single configured service.
func (s *server) handleLatency(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if _, ok := s.deps.Routes.Resolve(service); !ok {
		writeJSON(w, http.StatusNotFound, errorResponse("unknown service '"+service+"'"))
		return
	}

	resp := latencyResponse{Service: service}
	if s.deps.Stats != nil {
		if stats, ok := s.deps.Stats.Latency(service); ok {
			resp.LatencyStats = stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
