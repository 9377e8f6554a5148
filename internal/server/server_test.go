package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"

	gateway "github.com/gatewarden/warden/internal"
	"github.com/gatewarden/warden/internal/app"
	"github.com/gatewarden/warden/internal/auth"
	"github.com/gatewarden/warden/internal/circuitbreaker"
	"github.com/gatewarden/warden/internal/ratelimit"
	"github.com/gatewarden/warden/internal/storage/sqlite"
	"github.com/gatewarden/warden/internal/store"
	"github.com/gatewarden/warden/internal/telemetry"
)

const testSecret = "server-test-secret"

// upstreamStub is a swappable upstream handler that records the last request
// headers it saw.
type upstreamStub struct {
	mu      sync.Mutex
	handler http.HandlerFunc
	last    http.Header
}

func (u *upstreamStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.last = r.Header.Clone()
	h := u.handler
	u.mu.Unlock()
	if h != nil {
		h(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"from":"upstream"}`))
}

func (u *upstreamStub) set(h http.HandlerFunc) {
	u.mu.Lock()
	u.handler = h
	u.mu.Unlock()
}

func (u *upstreamStub) lastHeader() http.Header {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

type envOpts struct {
	windowLimit  int
	bucketCap    int
	bucketRefill float64
	circuit      circuitbreaker.Config
	routeTimeout time.Duration
}

type testEnv struct {
	handler  http.Handler
	mr       *miniredis.Miniredis
	upstream *upstreamStub
	tokens   *auth.Verifier
	stats    *telemetry.Collector
}

func defaultOpts() envOpts {
	return envOpts{
		windowLimit:  100,
		bucketCap:    50,
		bucketRefill: 10,
		circuit: circuitbreaker.Config{
			FailureThreshold: 3,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 2,
			ProbeBudget:      1,
		},
		routeTimeout: 2 * time.Second,
	}
}

func newTestEnv(t *testing.T, opts envOpts) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	st := store.NewWithClient(rdb)

	users, err := sqlite.New(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("open user store: %v", err)
	}
	t.Cleanup(func() { users.Close() })

	stub := &upstreamStub{}
	up := httptest.NewServer(stub)
	t.Cleanup(up.Close)

	routes := app.NewTable([]gateway.ServiceRoute{
		{Name: "users", Upstream: up.URL, Timeout: opts.routeTimeout},
		{Name: "products", Upstream: up.URL, Timeout: opts.routeTimeout, Public: true},
		{Name: "payments", Upstream: up.URL, Timeout: opts.routeTimeout, RequiredScopes: []string{"admin"}},
	})

	circuits, err := circuitbreaker.NewRegistry(st, opts.circuit, routes.Names())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	tokens := auth.NewVerifier(testSecret, nil, 5*time.Second, 30*time.Minute)
	stats := telemetry.NewCollector()

	handler := New(Deps{
		Tokens:     tokens,
		Users:      users,
		Routes:     routes,
		Dispatch:   app.NewDispatcher(app.NewTransport(nil)),
		Window:     ratelimit.NewSlidingWindow(st, opts.windowLimit, time.Minute),
		Bucket:     ratelimit.NewTokenBucket(st, opts.bucketCap, opts.bucketRefill),
		Circuits:   circuits,
		Stats:      stats,
		StoreCheck: st.Ping,
	})

	return &testEnv{handler: handler, mr: mr, upstream: stub, tokens: tokens, stats: stats}
}

func (e *testEnv) token(t *testing.T, scopes ...string) string {
	t.Helper()
	tok, _, err := e.tokens.Issue("alice", []string{"user"}, scopes)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

// do runs one request through the handler from a fixed client address.
func (e *testEnv) do(method, path, token string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.RemoteAddr = "192.0.2.10:50000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())

	rec := env.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "status").String(); got != "ok" {
		t.Errorf("status field = %q, want ok", got)
	}
}

func TestHealthDegradedWhenStoreDown(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())
	env.mr.Close()

	rec := env.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, liveness must stay 200", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "status").String(); got != "degraded" {
		t.Errorf("status field = %q, want degraded", got)
	}
}

func TestHealthDetailed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())

	rec := env.do(http.MethodGet, "/health/detailed", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if got := gjson.Get(body, "store").String(); got != "up" {
		t.Errorf("store = %q", got)
	}
	circuits := gjson.Get(body, "circuits")
	if len(circuits.Array()) != 3 {
		t.Fatalf("circuits = %s", circuits.Raw)
	}
	if st := circuits.Array()[0].Get("state").String(); st != "closed" {
		t.Errorf("first circuit state = %q", st)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())
	creds := []byte(`{"username":"alice","password":"s3cret"}`)

	rec := env.do(http.MethodPost, "/api/auth/register", "", creds)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register = %d: %s", rec.Code, rec.Body)
	}
	if got := gjson.Get(rec.Body.String(), "username").String(); got != "alice" {
		t.Errorf("username = %q", got)
	}

	rec = env.do(http.MethodPost, "/api/auth/register", "", creds)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate register = %d, want 409", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/auth/login", "", creds)
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", rec.Code, rec.Body)
	}
	body := rec.Body.String()
	token := gjson.Get(body, "access_token").String()
	if token == "" {
		t.Fatal("no access_token in login response")
	}
	if gjson.Get(body, "token_type").String() != "bearer" {
		t.Errorf("token_type = %q", gjson.Get(body, "token_type").String())
	}
	if gjson.Get(body, "expires_in").Int() != 1800 {
		t.Errorf("expires_in = %d", gjson.Get(body, "expires_in").Int())
	}

	// The issued token opens protected routes.
	rec = env.do(http.MethodGet, "/api/users/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("proxy with login token = %d: %s", rec.Code, rec.Body)
	}

	rec = env.do(http.MethodPost, "/api/auth/login", "", []byte(`{"username":"alice","password":"wrong"}`))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password login = %d, want 401", rec.Code)
	}
}

func TestLoginValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())

	for _, body := range []string{`{"username":"a"}`, `{}`, `not json`} {
		rec := env.do(http.MethodPost, "/api/auth/login", "", []byte(body))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("login(%q) = %d, want 400", body, rec.Code)
		}
	}
}

func TestProxyRequiresToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())

	rec := env.do(http.MethodGet, "/api/users/me", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Error("missing WWW-Authenticate header")
	}
	if got := gjson.Get(rec.Body.String(), "error").String(); got != "missing authorization header" {
		t.Errorf("error = %q", got)
	}
}

func TestProxyRejectsExpiredToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())

	past := time.Now().Add(-2 * time.Hour)
	stale := auth.NewVerifier(testSecret, nil, 0, 30*time.Minute,
		auth.WithClock(func() time.Time { return past }))
	token, _, err := stale.Issue("alice", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	rec := env.do(http.MethodGet, "/api/users/me", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error").String(); got != "token expired" {
		t.Errorf("error = %q, want token expired", got)
	}
}

func TestPublicRouteSkipsAuth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())

	rec := env.do(http.MethodGet, "/api/products/list", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("public route = %d: %s", rec.Code, rec.Body)
	}
}

func TestScopeEnforcement(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())

	rec := env.do(http.MethodPost, "/api/payments/charge", env.token(t, "read", "write"), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing scope = %d, want 403", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error").String(); got != "insufficient scope" {
		t.Errorf("error = %q", got)
	}

	rec = env.do(http.MethodPost, "/api/payments/charge", env.token(t, "admin"), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("with scope = %d: %s", rec.Code, rec.Body)
	}
}

func TestUnknownService(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())

	rec := env.do(http.MethodGet, "/api/ghost/thing", env.token(t), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRateLimitHeaders(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())

	rec := env.do(http.MethodGet, "/api/products/list", "", nil)
	h := rec.Header()
	if h.Get("X-RateLimit-Limit") != "100" {
		t.Errorf("X-RateLimit-Limit = %q", h.Get("X-RateLimit-Limit"))
	}
	if h.Get("X-RateLimit-Remaining") != "99" {
		t.Errorf("X-RateLimit-Remaining = %q", h.Get("X-RateLimit-Remaining"))
	}
	if h.Get("X-RateLimit-Window") != "60" {
		t.Errorf("X-RateLimit-Window = %q", h.Get("X-RateLimit-Window"))
	}
	if h.Get("X-TokenBucket-Remaining") == "" {
		t.Error("X-TokenBucket-Remaining missing")
	}
}

func TestSlidingWindowRejects(t *testing.T) {
	t.Parallel()
	opts := defaultOpts()
	opts.windowLimit = 2
	env := newTestEnv(t, opts)

	for i := range 2 {
		if rec := env.do(http.MethodGet, "/api/products/list", "", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i+1, rec.Code)
		}
	}

	rec := env.do(http.MethodGet, "/api/products/list", "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing on 429")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("remaining = %q, want 0", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if got := gjson.Get(rec.Body.String(), "error").String(); got != "rate limit exceeded" {
		t.Errorf("error = %q", got)
	}
}

func TestTokenBucketRejects(t *testing.T) {
	t.Parallel()
	opts := defaultOpts()
	opts.bucketCap = 1
	opts.bucketRefill = 0.001
	env := newTestEnv(t, opts)

	if rec := env.do(http.MethodGet, "/api/products/list", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("first request = %d", rec.Code)
	}

	rec := env.do(http.MethodGet, "/api/products/list", "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimitFailsOpenWhenStoreDown(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())
	env.mr.Close()

	rec := env.do(http.MethodGet, "/api/products/list", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (fail open)", rec.Code)
	}
}

func TestCircuitBreaksAndResets(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())
	token := env.token(t)

	env.upstream.set(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	for i := range 3 {
		rec := env.do(http.MethodGet, "/api/users/me", token, nil)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("failing request %d = %d, want 500 passthrough", i+1, rec.Code)
		}
	}

	// Threshold reached: next request is rejected without touching the upstream.
	rec := env.do(http.MethodGet, "/api/users/me", token, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing on circuit rejection")
	}
	if got := gjson.Get(rec.Body.String(), "error").String(); got != "service 'users' is temporarily unavailable" {
		t.Errorf("error = %q", got)
	}

	// Admin reset closes the breaker; a healthy upstream serves again.
	env.upstream.set(nil)
	rec = env.do(http.MethodPost, "/api/circuits/users/reset", token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("reset = %d: %s", rec.Code, rec.Body)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("reset body = %q, want empty", rec.Body)
	}

	rec = env.do(http.MethodGet, "/api/users/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("after reset = %d: %s", rec.Code, rec.Body)
	}
}

func TestClientErrorsDoNotTrip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())
	token := env.token(t)

	env.upstream.set(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})

	for range 5 {
		if rec := env.do(http.MethodGet, "/api/users/me", token, nil); rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404 passthrough", rec.Code)
		}
	}

	// Still admitted: 4xx is the caller's fault, not the upstream's.
	if rec := env.do(http.MethodGet, "/api/users/me", token, nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, circuit tripped on 4xx", rec.Code)
	}
}

func TestBadGateway(t *testing.T) {
	t.Parallel()

	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	env := newTestEnvWithUpstreamURL(t, deadURL)
	rec := env.do(http.MethodGet, "/api/products/list", "", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error").String(); got == "" {
		t.Error("missing error body on 502")
	}
}

func TestGatewayTimeout(t *testing.T) {
	t.Parallel()
	opts := defaultOpts()
	opts.routeTimeout = 50 * time.Millisecond
	env := newTestEnv(t, opts)

	env.upstream.set(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})

	rec := env.do(http.MethodGet, "/api/products/list", "", nil)
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
}

func TestAdminEndpointsRequireAuth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())

	for _, path := range []string{"/api/services", "/api/circuits"} {
		if rec := env.do(http.MethodGet, path, "", nil); rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s unauthenticated = %d, want 401", path, rec.Code)
		}
	}
	if rec := env.do(http.MethodPost, "/api/circuits/users/reset", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("reset unauthenticated = %d, want 401", rec.Code)
	}
}

func TestListServices(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())

	rec := env.do(http.MethodGet, "/api/services", env.token(t), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	body := rec.Body.String()
	if n := gjson.Get(body, "services.#").Int(); n != 3 {
		t.Fatalf("services count = %d, want 3", n)
	}
	if got := gjson.Get(body, "services.0.name").String(); got != "users" {
		t.Errorf("first service = %q, want users (config order)", got)
	}
	if !gjson.Get(body, "services.1.public").Exists() {
		t.Error("public flag missing")
	}
}

func TestListCircuits(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())

	rec := env.do(http.MethodGet, "/api/circuits", env.token(t), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	circuits := gjson.Get(rec.Body.String(), "circuits").Array()
	if len(circuits) != 3 {
		t.Fatalf("circuits = %d, want 3", len(circuits))
	}
	for _, c := range circuits {
		if c.Get("state").String() != "closed" || !c.Get("available").Bool() {
			t.Errorf("circuit %s = %s", c.Get("service").String(), c.Raw)
		}
	}
}

func TestResetUnknownCircuit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())

	rec := env.do(http.MethodPost, "/api/circuits/ghost/reset", env.token(t), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMetricsSurfaces(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())

	for range 3 {
		if rec := env.do(http.MethodGet, "/api/products/list", "", nil); rec.Code != http.StatusOK {
			t.Fatalf("warmup request failed: %d", rec.Code)
		}
	}

	rec := env.do(http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	body := rec.Body.String()
	if n := gjson.Get(body, "counters.requests:products:2xx").Int(); n != 3 {
		t.Errorf("2xx counter = %d, want 3", n)
	}
	if samples := gjson.Get(body, "latencies.products.samples").Int(); samples != 3 {
		t.Errorf("latency samples = %d, want 3", samples)
	}

	rec = env.do(http.MethodGet, "/metrics/latency/products", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("latency endpoint = %d", rec.Code)
	}
	body = rec.Body.String()
	if gjson.Get(body, "service").String() != "products" {
		t.Errorf("service = %q", gjson.Get(body, "service").String())
	}
	if gjson.Get(body, "p95_ms").Exists() == false {
		t.Error("p95_ms missing")
	}

	rec = env.do(http.MethodGet, "/metrics/latency/ghost", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown service latency = %d, want 404", rec.Code)
	}
}

func TestMetricsReset(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())

	for range 2 {
		if rec := env.do(http.MethodGet, "/api/products/list", "", nil); rec.Code != http.StatusOK {
			t.Fatalf("warmup request failed: %d", rec.Code)
		}
	}

	rec := env.do(http.MethodPost, "/metrics/reset", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset = %d: %s", rec.Code, rec.Body)
	}

	rec = env.do(http.MethodGet, "/metrics", "", nil)
	body := rec.Body.String()
	if gjson.Get(body, "counters.requests:products:2xx").Exists() {
		t.Errorf("counters survived reset: %s", gjson.Get(body, "counters").Raw)
	}
	if gjson.Get(body, "latencies.products").Exists() {
		t.Error("latency reservoir survived reset")
	}
}

func TestUpstreamIdentityHeaders(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())

	rec := env.do(http.MethodGet, "/api/users/me", env.token(t, "read"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	h := env.upstream.lastHeader()
	if h.Get("X-User-Id") != "alice" {
		t.Errorf("X-User-Id = %q", h.Get("X-User-Id"))
	}
	if h.Get("X-User-Roles") != "user" {
		t.Errorf("X-User-Roles = %q", h.Get("X-User-Roles"))
	}
	if h.Get("X-Request-Id") == "" {
		t.Error("X-Request-Id not forwarded upstream")
	}
	if h.Get("X-Forwarded-For") != "192.0.2.10" {
		t.Errorf("X-Forwarded-For = %q", h.Get("X-Forwarded-For"))
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())

	rec := env.do(http.MethodGet, "/health", "", nil)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("no X-Request-Id generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "inbound-42")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Header().Get("X-Request-Id") != "inbound-42" {
		t.Errorf("X-Request-Id = %q, want inbound value preserved", rr.Header().Get("X-Request-Id"))
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Parallel()
	s := &server{}

	h := s.recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error").String(); got != "internal server error" {
		t.Errorf("error = %q", got)
	}
}

func TestMalformedLoginBody(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, defaultOpts())

	rec := env.do(http.MethodPost, "/api/auth/login", "", []byte{0xff, 0xfe})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("binary body = %d, want 400", rec.Code)
	}
}

// newTestEnvWithUpstreamURL builds an environment whose routes point at a
// fixed upstream address instead of the stub server.
func newTestEnvWithUpstreamURL(t *testing.T, upstreamURL string) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	st := store.NewWithClient(rdb)

	users, err := sqlite.New(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("open user store: %v", err)
	}
	t.Cleanup(func() { users.Close() })

	routes := app.NewTable([]gateway.ServiceRoute{
		{Name: "products", Upstream: upstreamURL, Timeout: time.Second, Public: true},
	})
	circuits, err := circuitbreaker.NewRegistry(st, defaultOpts().circuit, routes.Names())
	if err != nil {
		t.Fatal(err)
	}

	tokens := auth.NewVerifier(testSecret, nil, 5*time.Second, 30*time.Minute)
	handler := New(Deps{
		Tokens:     tokens,
		Users:      users,
		Routes:     routes,
		Dispatch:   app.NewDispatcher(app.NewTransport(nil)),
		Window:     ratelimit.NewSlidingWindow(st, 100, time.Minute),
		Bucket:     ratelimit.NewTokenBucket(st, 50, 10),
		Circuits:   circuits,
		StoreCheck: st.Ping,
	})
	return &testEnv{handler: handler, mr: mr, tokens: tokens}
}
