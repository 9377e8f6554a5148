package gateway

import (
	"context"
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"remote addr only", "10.0.0.5:443", "", "10.0.0.5"},
		{"remote addr without port", "10.0.0.5", "", "10.0.0.5"},
		{"single forwarded", "10.0.0.5:443", "203.0.113.7", "203.0.113.7"},
		{"forwarded chain uses first", "10.0.0.5:443", "203.0.113.7, 10.1.1.1", "203.0.113.7"},
		{"forwarded with spaces", "10.0.0.5:443", "  203.0.113.7  ", "203.0.113.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLimitIdentity(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:443"
	if got := LimitIdentity(r); got != "ip:10.0.0.5" {
		t.Errorf("anonymous identity = %q", got)
	}

	ctx := ContextWithPrincipal(r.Context(), &Principal{Subject: "alice"})
	r = r.WithContext(ctx)
	if got := LimitIdentity(r); got != "user:alice" {
		t.Errorf("authenticated identity = %q", got)
	}
}

func TestContextMetaMutation(t *testing.T) {
	t.Parallel()

	ctx := ContextWithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("request id = %q", got)
	}

	// Principal and route attach to the existing metadata without a new context.
	p := &Principal{Subject: "alice"}
	if got := ContextWithPrincipal(ctx, p); got != ctx {
		t.Error("ContextWithPrincipal allocated a new context despite existing meta")
	}
	if got := PrincipalFromContext(ctx); got != p {
		t.Error("principal not retrievable after mutation")
	}

	rt := &ServiceRoute{Name: "users"}
	if got := ContextWithRoute(ctx, rt); got != ctx {
		t.Error("ContextWithRoute allocated a new context despite existing meta")
	}
	if got := RouteFromContext(ctx); got != rt {
		t.Error("route not retrievable after mutation")
	}
}

func TestContextFallbacksWithoutMeta(t *testing.T) {
	t.Parallel()
	base := context.Background()

	if RequestIDFromContext(base) != "" {
		t.Error("request id from empty context")
	}
	if PrincipalFromContext(base) != nil {
		t.Error("principal from empty context")
	}

	ctx := ContextWithPrincipal(base, &Principal{Subject: "bob"})
	if ctx == base {
		t.Error("expected a new context when no meta exists")
	}
	if p := PrincipalFromContext(ctx); p == nil || p.Subject != "bob" {
		t.Errorf("principal = %+v", p)
	}
}

func TestPrincipalScopes(t *testing.T) {
	t.Parallel()

	p := &Principal{Scopes: []string{"read", "write"}}
	if !p.HasScope("read") || p.HasScope("admin") {
		t.Error("HasScope mismatch")
	}
	if !p.HasScopes(nil) || !p.HasScopes([]string{"read", "write"}) {
		t.Error("HasScopes rejected satisfied requirements")
	}
	if p.HasScopes([]string{"read", "admin"}) {
		t.Error("HasScopes accepted missing scope")
	}
}

func TestCircuitRecordAvailable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state CircuitState
		want  bool
	}{
		{CircuitClosed, true},
		{CircuitHalfOpen, true},
		{CircuitOpen, false},
	}
	for _, tt := range tests {
		if got := (CircuitRecord{State: tt.state}).Available(); got != tt.want {
			t.Errorf("Available(%s) = %v, want %v", tt.state, got, tt.want)
		}
	}
}
