// Package app implements the gateway's application services: the route
// table mapping path prefixes to upstreams, and the proxy dispatcher that
// forwards admitted requests.
package app

import (
	gateway "github.com/gatewarden/warden/internal"
)

// Table resolves `/api/<service>/...` prefixes to upstream routes.
// It is read-only after construction, so lookups need no locking.
type Table struct {
	routes map[string]*gateway.ServiceRoute
	order  []string // configuration order for stable listings
}

// NewTable builds a route table from configured routes.
func NewTable(routes []gateway.ServiceRoute) *Table {
	t := &Table{
		routes: make(map[string]*gateway.ServiceRoute, len(routes)),
		order:  make([]string, 0, len(routes)),
	}
	for i := range routes {
		rt := routes[i]
		t.routes[rt.Name] = &rt
		t.order = append(t.order, rt.Name)
	}
	return t
}

// Resolve looks up the route for a service name.
func (t *Table) Resolve(service string) (*gateway.ServiceRoute, bool) {
	rt, ok := t.routes[service]
	return rt, ok
}

// List returns all routes in configuration order.
func (t *Table) List() []*gateway.ServiceRoute {
	out := make([]*gateway.ServiceRoute, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.routes[name])
	}
	return out
}

// Names returns the configured service names in configuration order.
func (t *Table) Names() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}
