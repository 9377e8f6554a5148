package circuitbreaker

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/gatewarden/warden/internal"
	"github.com/gatewarden/warden/internal/store"
)

// statusTTL bounds the staleness of cached status reads used by the health
// and admin surfaces. Admission checks always read the store directly.
const statusTTL = time.Second

// Status is a point-in-time view of one breaker for inspection endpoints.
type Status struct {
	Service   string               `json:"service"`
	State     gateway.CircuitState `json:"state"`
	Failures  int                  `json:"failures"`
	Successes int                  `json:"successes"`
	Available bool                 `json:"available"`
}

// Registry holds one breaker per configured service. The set is fixed at
// startup; records exist in the store for every service from the first
// admission check onward.
type Registry struct {
	breakers map[string]*Breaker
	order    []string // registration order for stable listings
	cache    *otter.Cache[string, Status]
}

// NewRegistry creates breakers for every service name.
func NewRegistry(st *store.Client, cfg Config, services []string) (*Registry, error) {
	cache, err := otter.New(&otter.Options[string, Status]{
		MaximumSize:      1024,
		ExpiryCalculator: otter.ExpiryWriting[string, Status](statusTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create status cache: %w", err)
	}

	r := &Registry{
		breakers: make(map[string]*Breaker, len(services)),
		order:    make([]string, 0, len(services)),
		cache:    cache,
	}
	for _, svc := range services {
		r.breakers[svc] = NewBreaker(svc, st, cfg)
		r.order = append(r.order, svc)
	}
	return r, nil
}

// SetTransitionHook registers an observer for state transitions on every
// breaker. Call before serving traffic; breakers are not locked for this.
func (r *Registry) SetTransitionHook(fn func(service string, to gateway.CircuitState)) {
	for _, b := range r.breakers {
		b.onTransition = fn
	}
}

// Get returns the breaker for service.
func (r *Registry) Get(service string) (*Breaker, bool) {
	b, ok := r.breakers[service]
	return b, ok
}

// Services returns the configured service names in registration order.
func (r *Registry) Services() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Status returns the breaker status for service, served from a cache with at
// most statusTTL staleness.
func (r *Registry) Status(ctx context.Context, service string) (Status, error) {
	if st, ok := r.cache.GetIfPresent(service); ok {
		return st, nil
	}
	b, ok := r.breakers[service]
	if !ok {
		return Status{}, gateway.ErrNotFound
	}
	rec, available, err := b.Status(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Service:   service,
		State:     rec.State,
		Failures:  rec.Failures,
		Successes: rec.Successes,
		Available: available,
	}
	r.cache.Set(service, st)
	return st, nil
}

// StatusAll returns the status of every breaker in registration order.
func (r *Registry) StatusAll(ctx context.Context) ([]Status, error) {
	out := make([]Status, 0, len(r.order))
	for _, svc := range r.order {
		st, err := r.Status(ctx, svc)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Reset forces a breaker to Closed and invalidates its cached status.
func (r *Registry) Reset(ctx context.Context, service string) error {
	b, ok := r.breakers[service]
	if !ok {
		return gateway.ErrNotFound
	}
	if err := b.Reset(ctx); err != nil {
		return err
	}
	r.cache.Invalidate(service)
	return nil
}

// Replay drains every breaker's pending-event queue. Returns the total
// number of events applied.
func (r *Registry) Replay(ctx context.Context) int {
	applied := 0
	for _, svc := range r.order {
		applied += r.breakers[svc].Replay(ctx)
	}
	return applied
}

// PendingLen returns the total number of queued unpersisted events.
func (r *Registry) PendingLen() int {
	n := 0
	for _, b := range r.breakers {
		n += b.PendingLen()
	}
	return n
}
