package app

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/gatewarden/warden/internal"
)

// hopByHopHeaders must not be forwarded between client and upstream,
// in either direction.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Outcome classifies a dispatch for the circuit breaker and metrics.
//
// Failure is true iff the upstream answered >= 500, the connection failed,
// or the per-route timeout elapsed. 4xx is the client's fault, not the
// upstream's. Latency covers send to full response headers; body streaming
// time is excluded from the breaker decision.
type Outcome struct {
	StatusCode int
	Latency    time.Duration
	Failure    bool
	Aborted    bool  // client disconnected; neither success nor failure
	Err        error // gateway.ErrUpstreamTimeout or ErrUpstreamUnreachable
}

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching for upstream dials.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// Dispatcher forwards admitted requests to upstream services.
type Dispatcher struct {
	client *http.Client
	tracer trace.Tracer
}

// NewDispatcher creates a dispatcher over the given transport.
// Redirects are not followed: upstream redirects belong to the client.
func NewDispatcher(transport http.RoundTripper) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		tracer: otel.Tracer("warden/dispatch"),
	}
}

// Dispatch forwards r to the route's upstream with the route's timeout as
// deadline, streams the response to w, and classifies the outcome.
//
// On a transport failure or timeout nothing is written to w; the caller maps
// Outcome.Err to 502/504. If the client disconnects mid-flight the upstream
// call is aborted and Outcome.Aborted is set.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, route *gateway.ServiceRoute, rest string) Outcome {
	ctx, cancel := context.WithTimeout(r.Context(), route.Timeout)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "dispatch "+route.Name,
		trace.WithAttributes(
			attribute.String("upstream.service", route.Name),
			attribute.String("http.method", r.Method),
		))
	defer span.End()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL(route, rest, r.URL.RawQuery), r.Body)
	if err != nil {
		return Outcome{Failure: true, Err: gateway.ErrUpstreamUnreachable}
	}
	copyForwardHeaders(outReq, r)

	start := time.Now()
	resp, err := d.client.Do(outReq)
	latency := time.Since(start)
	if err != nil {
		span.RecordError(err)
		return classifyTransportError(ctx, r, err, latency)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	// Copy response headers, minus hop-by-hop.
	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		w.Header()[key] = vals
	}
	w.WriteHeader(resp.StatusCode)

	// Stream the body without buffering the full payload.
	_, copyErr := io.Copy(w, resp.Body)

	out := Outcome{
		StatusCode: resp.StatusCode,
		Latency:    latency,
		Failure:    resp.StatusCode >= http.StatusInternalServerError,
	}
	if copyErr != nil && r.Context().Err() != nil {
		out.Aborted = true
	}
	return out
}

// targetURL joins the upstream base URL with the remaining path and query.
func targetURL(route *gateway.ServiceRoute, rest, rawQuery string) string {
	u := strings.TrimSuffix(route.Upstream, "/") + "/" + strings.TrimPrefix(rest, "/")
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// copyForwardHeaders populates the outbound request's headers: the client's
// end-to-end headers plus the gateway's forwarding metadata.
func copyForwardHeaders(outReq, r *http.Request) {
	for key, vals := range r.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		outReq.Header[key] = vals
	}

	// Append the connecting peer to any X-Forwarded-For chain. The chain may
	// carry client-supplied entries; the peer address is the only part this
	// hop can vouch for.
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		outReq.Header.Set("X-Forwarded-For", prior+", "+peer)
	} else {
		outReq.Header.Set("X-Forwarded-For", peer)
	}

	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	outReq.Header.Set("X-Forwarded-Proto", proto)

	if id := gateway.RequestIDFromContext(r.Context()); id != "" {
		outReq.Header.Set("X-Request-Id", id)
	}

	// Identity headers for the upstream.
	if p := gateway.PrincipalFromContext(r.Context()); p != nil {
		outReq.Header.Set("X-User-Id", p.Subject)
		if len(p.Roles) > 0 {
			outReq.Header.Set("X-User-Roles", strings.Join(p.Roles, ","))
		}
	}
}

// classifyTransportError distinguishes client disconnect, per-route timeout,
// and upstream unreachability for an error from client.Do.
func classifyTransportError(ctx context.Context, r *http.Request, err error, latency time.Duration) Outcome {
	switch {
	case r.Context().Err() != nil:
		// The inbound request was cancelled; the upstream is not at fault.
		return Outcome{Aborted: true, Latency: latency}
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		return Outcome{Failure: true, Latency: latency, Err: gateway.ErrUpstreamTimeout}
	default:
		return Outcome{Failure: true, Latency: latency, Err: gateway.ErrUpstreamUnreachable}
	}
}
