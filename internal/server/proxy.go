package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/gatewarden/warden/internal"
	"github.com/gatewarden/warden/internal/app"
)

// handleProxy runs the circuit breaker admission check, forwards the request
// to the resolved upstream, and feeds the outcome back into the breaker.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	route := gateway.RouteFromContext(r.Context())
	br, ok := s.deps.Circuits.Get(route.Name)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse("unknown service '"+route.Name+"'"))
		return
	}

	dec := br.Allow(r.Context())
	if dec.FailedOpen {
		if st := s.deps.Stats; st != nil {
			st.Inc("circuit_fail_open")
		}
	}
	if !dec.Allowed {
		if m := s.deps.Metrics; m != nil {
			m.CircuitRejects.WithLabelValues(route.Name).Inc()
		}
		if st := s.deps.Stats; st != nil {
			st.Inc("circuit_rejected:" + route.Name)
		}
		if dec.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(dec.RetryAfter)))
		}
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse("service '"+route.Name+"' is temporarily unavailable"))
		return
	}

	rest := chi.URLParam(r, "*")
	start := time.Now()
	out := s.deps.Dispatch.Dispatch(w, r, route, rest)
	total := time.Since(start)

	// Outcome feedback must reach the store even when the inbound request's
	// context is already done.
	fctx := context.WithoutCancel(r.Context())
	switch {
	case out.Aborted:
		br.OnAbort(fctx)
	case out.Failure:
		br.OnFailure(fctx)
	default:
		br.OnSuccess(fctx)
	}

	if out.Err != nil {
		status := errorStatus(out.Err)
		writeJSON(w, status, errorResponse(
			fmt.Sprintf("service '%s': %s", route.Name, out.Err.Error())))
		out.StatusCode = status
	}

	s.recordUpstream(route.Name, out, total)
}

// recordUpstream updates upstream metrics for one dispatch. The breaker sees
// only the header latency; the JSON latency surface includes body streaming.
func (s *server) recordUpstream(service string, out app.Outcome, total time.Duration) {
	if m := s.deps.Metrics; m != nil {
		if out.Latency > 0 {
			m.UpstreamDuration.WithLabelValues(service).Observe(out.Latency.Seconds())
		}
		switch {
		case errors.Is(out.Err, gateway.ErrUpstreamTimeout):
			m.UpstreamErrors.WithLabelValues(service, "timeout").Inc()
		case errors.Is(out.Err, gateway.ErrUpstreamUnreachable):
			m.UpstreamErrors.WithLabelValues(service, "unreachable").Inc()
		case out.StatusCode >= http.StatusInternalServerError:
			m.UpstreamErrors.WithLabelValues(service, "5xx").Inc()
		}
	}
	if st := s.deps.Stats; st != nil {
		st.ObserveLatency(service, total)
		if out.StatusCode > 0 {
			st.Inc(fmt.Sprintf("requests:%s:%dxx", service, out.StatusCode/100))
		}
	}
}

type apiError struct {
	Error string `json:"error"`
}

func errorResponse(msg string) apiError {
	return apiError{Error: msg}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized),
		errors.Is(err, gateway.ErrTokenMissing),
		errors.Is(err, gateway.ErrTokenMalformed),
		errors.Is(err, gateway.ErrTokenSignature),
		errors.Is(err, gateway.ErrTokenExpired),
		errors.Is(err, gateway.ErrTokenNotYetValid),
		errors.Is(err, gateway.ErrMissingClaim):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrCircuitOpen),
		errors.Is(err, gateway.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gateway.ErrUpstreamUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
