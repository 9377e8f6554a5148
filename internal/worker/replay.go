package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/gatewarden/warden/internal/circuitbreaker"
	"github.com/gatewarden/warden/internal/telemetry"
)

const replayInterval = 5 * time.Second

// CircuitReplayWorker periodically drains breaker updates that could not be
// persisted while the shared store was unreachable.
type CircuitReplayWorker struct {
	circuits *circuitbreaker.Registry
	metrics  *telemetry.Metrics // nil = no gauge updates
	interval time.Duration
}

// NewCircuitReplayWorker creates a CircuitReplayWorker.
func NewCircuitReplayWorker(circuits *circuitbreaker.Registry, metrics *telemetry.Metrics) *CircuitReplayWorker {
	return &CircuitReplayWorker{
		circuits: circuits,
		metrics:  metrics,
		interval: replayInterval,
	}
}

// Name returns the worker identifier.
func (w *CircuitReplayWorker) Name() string { return "circuit_replay" }

// Run replays queued breaker events on a fixed interval until ctx is cancelled.
func (w *CircuitReplayWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.drain(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *CircuitReplayWorker) drain(ctx context.Context) {
	applied := w.circuits.Replay(ctx)
	pending := w.circuits.PendingLen()
	if w.metrics != nil {
		w.metrics.StorePendingEvents.Set(float64(pending))
	}
	if applied > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "circuit events replayed",
			slog.Int("applied", applied),
			slog.Int("pending", pending),
		)
	}
}
