package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/gatewarden/warden/internal/circuitbreaker"
	"github.com/gatewarden/warden/internal/store"
)

func TestCircuitReplayWorkerDrains(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	st := store.NewWithClient(rdb)

	cfg := circuitbreaker.Config{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
		ProbeBudget:      1,
	}
	reg, err := circuitbreaker.NewRegistry(st, cfg, []string{"users"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Outcomes recorded while the store is down queue locally.
	mr.Close()
	b, _ := reg.Get("users")
	b.OnFailure(ctx)
	b.OnFailure(ctx)
	if reg.PendingLen() != 2 {
		t.Fatalf("PendingLen = %d, want 2", reg.PendingLen())
	}

	if err := mr.Restart(); err != nil {
		t.Fatalf("restart store: %v", err)
	}

	w := NewCircuitReplayWorker(reg, nil)
	w.interval = 10 * time.Millisecond

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	deadline := time.After(2 * time.Second)
	for reg.PendingLen() > 0 {
		select {
		case <-deadline:
			t.Fatalf("queue not drained, pending = %d", reg.PendingLen())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}

	rec, _, err := b.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Failures != 2 {
		t.Errorf("replayed failures = %d, want 2", rec.Failures)
	}
}
