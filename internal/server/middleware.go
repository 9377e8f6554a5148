package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/gatewarden/warden/internal"
	"github.com/gatewarden/warden/internal/auth"
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
// Reset fields on Get, nil ResponseWriter on Put to avoid retaining references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader uses the canonical MIME form so direct map access
// (r.Header[key], w.Header()[key] = ...) skips textproto.CanonicalMIMEHeaderKey.
const requestIDHeader = "X-Request-Id"

// requestID adds a UUID v7 request ID to the context and response header.
// An inbound X-Request-Id is trusted and propagated instead.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		ctx := gateway.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging logs each request and records the request-level metrics. The chi
// route pattern keeps the path label's cardinality bounded.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		if m := s.deps.Metrics; m != nil {
			m.ActiveRequests.Inc()
		}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
		if m := s.deps.Metrics; m != nil {
			pattern := chi.RouteContext(r.Context()).RoutePattern()
			if pattern == "" {
				pattern = r.URL.Path
			}
			m.ActiveRequests.Dec()
			m.RequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
			m.RequestDuration.WithLabelValues(r.Method, pattern).Observe(elapsed.Seconds())
		}
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// resolveRoute maps the {service} path segment to a configured upstream and
// stores the route in context for the rest of the pipeline.
func (s *server) resolveRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		service := chi.URLParam(r, "service")
		route, ok := s.deps.Routes.Resolve(service)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorResponse("unknown service '"+service+"'"))
			return
		}
		ctx := gateway.ContextWithRoute(r.Context(), route)
		if ctx == r.Context() {
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// authenticate verifies the bearer token and checks the route's required
// scopes. Public routes pass through untouched; their requests stay anonymous
// and rate limiting keys on the client address instead.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := gateway.RouteFromContext(r.Context())
		if route != nil && route.Public {
			next.ServeHTTP(w, r)
			return
		}

		p, err := s.verifyBearer(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, errorStatus(err), errorResponse(err.Error()))
			return
		}
		if route != nil {
			if err := auth.CheckScopes(p, route.RequiredScopes); err != nil {
				writeJSON(w, http.StatusForbidden, errorResponse("insufficient scope"))
				return
			}
		}

		ctx := gateway.ContextWithPrincipal(r.Context(), p)
		if ctx == r.Context() {
			// Principal was stored via pointer mutation; skip Request.WithContext.
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// requireAuth guards the inspection endpoints: a valid token is enough, no
// scopes are demanded.
func (s *server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.verifyBearer(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, errorStatus(err), errorResponse(err.Error()))
			return
		}
		ctx := gateway.ContextWithPrincipal(r.Context(), p)
		if ctx == r.Context() {
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// verifyBearer extracts and validates the Authorization header's token.
func (s *server) verifyBearer(r *http.Request) (*gateway.Principal, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return nil, gateway.ErrTokenMissing
	}
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return nil, gateway.ErrTokenMalformed
	}
	return s.deps.Tokens.Verify(strings.TrimSpace(h[len(prefix):]))
}

// rateLimit runs both limiters in order: the per-window counter first, then
// the token bucket. The first limiter's headers are set even on admitted
// requests so clients can pace themselves.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := gateway.LimitIdentity(r)

		win := s.deps.Window.Check(r.Context(), identity)
		if win.FailedOpen {
			s.countLimitFailOpen("sliding_window")
		}
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(win.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(win.Remaining))
		h.Set("X-RateLimit-Window", strconv.Itoa(int(s.deps.Window.Window().Seconds())))
		if !win.Allowed {
			s.countLimitReject("sliding_window")
			h.Set("Retry-After", strconv.Itoa(ceilSeconds(win.ResetIn)))
			writeJSON(w, http.StatusTooManyRequests, errorResponse("rate limit exceeded"))
			return
		}

		bkt := s.deps.Bucket.Consume(r.Context(), identity, 1)
		if bkt.FailedOpen {
			s.countLimitFailOpen("token_bucket")
		}
		h.Set("X-TokenBucket-Remaining", strconv.Itoa(bkt.Remaining))
		if !bkt.Allowed {
			s.countLimitReject("token_bucket")
			h.Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorResponse("rate limit exceeded"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *server) countLimitReject(kind string) {
	if m := s.deps.Metrics; m != nil {
		m.RateLimitRejects.WithLabelValues(kind).Inc()
	}
	if st := s.deps.Stats; st != nil {
		st.Inc("ratelimit_rejected:" + kind)
	}
}

func (s *server) countLimitFailOpen(kind string) {
	if m := s.deps.Metrics; m != nil {
		m.RateLimitFailOpen.WithLabelValues(kind).Inc()
	}
	if st := s.deps.Stats; st != nil {
		st.Inc("ratelimit_fail_open:" + kind)
	}
}

// ceilSeconds rounds a duration up to whole seconds for Retry-After.
func ceilSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// WriteHeader records only the first status code; subsequent calls are
// forwarded to the underlying writer but do not update the captured value,
// matching net/http semantics where only the first WriteHeader takes effect.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter if it implements
// http.Flusher, so streamed upstream responses flush through the middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, allowing http.ResponseController
// and similar utilities to find interface implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
