package telemetry

import (
	"sort"
	"sync"
	"time"
)

// reservoirSize is the per-service ring capacity for latency samples.
const reservoirSize = 1024

// Snapshot is a point-in-time view of the process-local collectors,
// serialized by the /metrics JSON endpoint.
type Snapshot struct {
	Counters  map[string]uint64        `json:"counters"`
	Latencies map[string]LatencyStats  `json:"latencies"`
}

// LatencyStats summarizes a service's latency reservoir.
type LatencyStats struct {
	Samples int     `json:"samples"`
	AvgMs   float64 `json:"avg_ms"`
	MinMs   float64 `json:"min_ms"`
	MaxMs   float64 `json:"max_ms"`
	P50Ms   float64 `json:"p50_ms"`
	P95Ms   float64 `json:"p95_ms"`
	P99Ms   float64 `json:"p99_ms"`
}

// Collector accumulates process-local counters and bounded latency
// reservoirs. It backs the JSON metrics surface; Prometheus collectors are
// registered separately.
type Collector struct {
	mu         sync.Mutex
	counters   map[string]uint64
	reservoirs map[string]*reservoir
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		counters:   make(map[string]uint64),
		reservoirs: make(map[string]*reservoir),
	}
}

// Inc increments a named counter.
func (c *Collector) Inc(name string) {
	c.mu.Lock()
	c.counters[name]++
	c.mu.Unlock()
}

// ObserveLatency records one latency sample for a service.
func (c *Collector) ObserveLatency(service string, d time.Duration) {
	c.mu.Lock()
	r, ok := c.reservoirs[service]
	if !ok {
		r = &reservoir{}
		c.reservoirs[service] = r
	}
	r.add(float64(d.Microseconds()) / 1000.0)
	c.mu.Unlock()
}

// Snapshot copies the collector state for serialization.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Counters:  make(map[string]uint64, len(c.counters)),
		Latencies: make(map[string]LatencyStats, len(c.reservoirs)),
	}
	for k, v := range c.counters {
		snap.Counters[k] = v
	}
	for svc, r := range c.reservoirs {
		snap.Latencies[svc] = r.stats()
	}
	return snap
}

// Reset discards all counters and latency reservoirs.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.counters = make(map[string]uint64)
	c.reservoirs = make(map[string]*reservoir)
	c.mu.Unlock()
}

// Latency returns the stats for one service and whether any samples exist.
func (c *Collector) Latency(service string) (LatencyStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reservoirs[service]
	if !ok || r.count == 0 {
		return LatencyStats{}, false
	}
	return r.stats(), true
}

// reservoir is a fixed-size ring of recent latency samples in milliseconds.
// Percentiles are estimated over a sorted copy of the retained window.
type reservoir struct {
	samples [reservoirSize]float64
	next    int
	count   int
}

func (r *reservoir) add(ms float64) {
	r.samples[r.next] = ms
	r.next = (r.next + 1) % reservoirSize
	if r.count < reservoirSize {
		r.count++
	}
}

func (r *reservoir) stats() LatencyStats {
	if r.count == 0 {
		return LatencyStats{}
	}
	vals := make([]float64, r.count)
	copy(vals, r.samples[:r.count])
	sort.Float64s(vals)

	var sum float64
	for _, v := range vals {
		sum += v
	}
	n := len(vals)
	return LatencyStats{
		Samples: n,
		AvgMs:   sum / float64(n),
		MinMs:   vals[0],
		MaxMs:   vals[n-1],
		P50Ms:   percentile(vals, 0.50),
		P95Ms:   percentile(vals, 0.95),
		P99Ms:   percentile(vals, 0.99),
	}
}

// percentile returns the value at rank p of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
