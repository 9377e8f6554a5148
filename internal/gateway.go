// Package gateway defines domain types and interfaces for the Warden API gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"
)

// Principal is the authenticated identity attached to a request after token
// verification. It lives only for the duration of one request.
type Principal struct {
	Subject   string    `json:"subject"`
	Roles     []string  `json:"roles,omitempty"`
	Scopes    []string  `json:"scopes,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasScope reports whether the principal carries the given scope.
func (p *Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

// HasScopes reports whether the principal carries every required scope.
func (p *Principal) HasScopes(required []string) bool {
	for _, s := range required {
		if !p.HasScope(s) {
			return false
		}
	}
	return true
}

// User is a registered account in the credential store.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	Scopes       []string  `json:"scopes"`
	CreatedAt    time.Time `json:"created_at"`
}

// ServiceRoute maps a path prefix to an upstream service.
// Immutable after configuration load.
type ServiceRoute struct {
	Name           string        `json:"name"`
	Upstream       string        `json:"upstream"`
	Timeout        time.Duration `json:"timeout"`
	Public         bool          `json:"public"`
	RequiredScopes []string      `json:"required_scopes,omitempty"`
}

// CircuitState is the breaker state for one upstream service.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitRecord is the shared-store representation of one breaker.
// Version serializes concurrent transitions via compare-and-set.
type CircuitRecord struct {
	State            CircuitState `json:"state"`
	Failures         int          `json:"failures"`
	Successes        int          `json:"successes"`
	OpenedAt         float64      `json:"opened_at"` // unix seconds, 0 when not open
	HalfOpenInFlight int          `json:"half_open_in_flight"`
	Version          int64        `json:"-"`
}

// Available reports whether the record admits traffic at all.
// Half-open availability is still subject to the probe budget.
func (r CircuitRecord) Available() bool {
	return r.State == CircuitClosed || r.State == CircuitHalfOpen
}

// CredentialVerifier checks a username/password pair against the user
// registry and yields the account on success.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, username, password string) (*User, error)
}

// TokenVerifier validates a signed bearer token and extracts the principal.
type TokenVerifier interface {
	Verify(token string) (*Principal, error)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Principal and route fields are set later by middleware via mutation of
// the same pointer, avoiding further context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Principal *Principal
	Route     *ServiceRoute
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithPrincipal stores the principal in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to creating
// new metadata if none exists (e.g., in tests).
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Principal = p
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Principal: p})
}

// PrincipalFromContext extracts the authenticated principal from context,
// or nil for anonymous requests.
func PrincipalFromContext(ctx context.Context) *Principal {
	if m := metaFromContext(ctx); m != nil {
		return m.Principal
	}
	return nil
}

// ContextWithRoute stores the resolved route, mutating existing metadata
// when possible.
func ContextWithRoute(ctx context.Context, rt *ServiceRoute) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Route = rt
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Route: rt})
}

// RouteFromContext extracts the resolved route from context.
func RouteFromContext(ctx context.Context) *ServiceRoute {
	if m := metaFromContext(ctx); m != nil {
		return m.Route
	}
	return nil
}

// ClientIP returns the originating client address: the first entry of
// X-Forwarded-For when present, otherwise the connection's remote host.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// LimitIdentity returns the rate-limit identity for a request: the principal
// subject when authenticated, otherwise the client network address.
func LimitIdentity(r *http.Request) string {
	if p := PrincipalFromContext(r.Context()); p != nil {
		return "user:" + p.Subject
	}
	return "ip:" + ClientIP(r)
}
