// Package circuitbreaker implements a per-upstream circuit breaker whose
// state lives in the shared store, so every gateway instance converges on the
// same view of an upstream's health. Transitions are serialized with
// compare-and-set; a writer that loses the race re-reads and retries up to a
// small bound.
//
// Admission fails open: if the breaker cannot read state it admits the
// request. Updates that cannot be persisted are retained in a bounded local
// queue and replayed by a background worker.
package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gateway "github.com/gatewarden/warden/internal"
	"github.com/gatewarden/warden/internal/store"
)

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures in Closed to trip
	RecoveryTimeout  time.Duration // time in Open before probing
	SuccessThreshold int           // half-open successes to close
	ProbeBudget      int           // concurrent half-open probes
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 3,
		ProbeBudget:      1,
	}
}

// maxCASRetries bounds the re-read/retry loop on CAS conflicts. Past the
// bound the request is admitted optimistically.
const maxCASRetries = 4

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	State      gateway.CircuitState
	RetryAfter time.Duration // populated on rejection
	FailedOpen bool          // store unreachable; admitted without state
}

// event is a request outcome fed back into the state machine.
type event int

const (
	evSuccess event = iota
	evFailure
	evAbort // client disconnect: releases a probe slot, neither success nor failure
)

// Breaker guards a single upstream service.
type Breaker struct {
	service string
	cfg     Config
	store   *store.Client
	pending *pendingQueue

	// onTransition, when set, observes state changes (metrics).
	onTransition func(service string, to gateway.CircuitState)

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewBreaker creates a breaker for service backed by st.
func NewBreaker(service string, st *store.Client, cfg Config) *Breaker {
	return &Breaker{
		service: service,
		cfg:     cfg,
		store:   st,
		pending: newPendingQueue(pendingQueueSize),
		now:     time.Now,
	}
}

// Service returns the guarded service name.
func (b *Breaker) Service() string { return b.service }

// Allow checks whether a request to the upstream may proceed. It performs the
// Open -> Half-Open transition when the recovery timeout has elapsed and
// claims a probe slot when in Half-Open.
func (b *Breaker) Allow(ctx context.Context) Decision {
	now := float64(b.now().UnixNano()) / 1e9

	for range maxCASRetries {
		rec, err := b.store.GetCircuit(ctx, b.service)
		if err != nil {
			return Decision{Allowed: true, State: gateway.CircuitClosed, FailedOpen: true}
		}

		switch rec.State {
		case gateway.CircuitClosed:
			return Decision{Allowed: true, State: rec.State}

		case gateway.CircuitOpen:
			elapsed := time.Duration((now - rec.OpenedAt) * float64(time.Second))
			if elapsed < b.cfg.RecoveryTimeout {
				return Decision{
					Allowed:    false,
					State:      rec.State,
					RetryAfter: b.cfg.RecoveryTimeout - elapsed,
				}
			}
			// Recovery timeout elapsed: move to Half-Open and claim this
			// request as the first probe in the same CAS.
			next := rec
			next.State = gateway.CircuitHalfOpen
			next.Successes = 0
			next.HalfOpenInFlight = 1
			ok, err := b.store.CasCircuit(ctx, b.service, next)
			if err != nil {
				return Decision{Allowed: true, State: rec.State, FailedOpen: true}
			}
			if ok {
				b.logTransition(rec.State, next.State)
				return Decision{Allowed: true, State: next.State}
			}

		case gateway.CircuitHalfOpen:
			if rec.HalfOpenInFlight >= b.cfg.ProbeBudget {
				return Decision{
					Allowed:    false,
					State:      rec.State,
					RetryAfter: time.Second,
				}
			}
			next := rec
			next.HalfOpenInFlight++
			ok, err := b.store.CasCircuit(ctx, b.service, next)
			if err != nil {
				return Decision{Allowed: true, State: rec.State, FailedOpen: true}
			}
			if ok {
				return Decision{Allowed: true, State: rec.State}
			}
		}
	}

	// CAS contention exhausted the retry budget; admit optimistically.
	return Decision{Allowed: true, State: gateway.CircuitClosed, FailedOpen: true}
}

// OnSuccess records a successful upstream outcome.
func (b *Breaker) OnSuccess(ctx context.Context) { b.record(ctx, evSuccess) }

// OnFailure records a failed upstream outcome (5xx, transport error, timeout).
func (b *Breaker) OnFailure(ctx context.Context) { b.record(ctx, evFailure) }

// OnAbort releases a half-open probe slot for a request the client abandoned.
// The outcome counts as neither success nor failure.
func (b *Breaker) OnAbort(ctx context.Context) { b.record(ctx, evAbort) }

// record applies ev through a bounded CAS loop. If the store is unreachable
// the event is queued locally for replay.
func (b *Breaker) record(ctx context.Context, ev event) {
	if err := b.apply(ctx, ev); err != nil {
		b.pending.push(pendingEvent{ev: ev, at: b.now()})
	}
}

func (b *Breaker) apply(ctx context.Context, ev event) error {
	now := float64(b.now().UnixNano()) / 1e9

	for range maxCASRetries {
		rec, err := b.store.GetCircuit(ctx, b.service)
		if err != nil {
			return err
		}
		next, changed := transition(rec, ev, now, b.cfg)
		if !changed {
			return nil
		}
		ok, err := b.store.CasCircuit(ctx, b.service, next)
		if err != nil {
			return err
		}
		if ok {
			if next.State != rec.State {
				b.logTransition(rec.State, next.State)
			}
			return nil
		}
	}
	// Lost every CAS: another instance recorded an equivalent transition.
	return nil
}

// transition implements the state table. It returns the successor record and
// whether a write is needed.
func transition(rec gateway.CircuitRecord, ev event, now float64, cfg Config) (gateway.CircuitRecord, bool) {
	next := rec
	switch rec.State {
	case gateway.CircuitClosed:
		switch ev {
		case evSuccess:
			if rec.Failures == 0 {
				return rec, false
			}
			next.Failures = 0
		case evFailure:
			next.Failures++
			if next.Failures >= cfg.FailureThreshold {
				next.State = gateway.CircuitOpen
				next.OpenedAt = now
				next.Successes = 0
				next.HalfOpenInFlight = 0
			}
		case evAbort:
			return rec, false
		}

	case gateway.CircuitOpen:
		// Stale outcome from a request admitted before the trip; ignore.
		return rec, false

	case gateway.CircuitHalfOpen:
		switch ev {
		case evSuccess:
			next.Successes++
			if next.Successes >= cfg.SuccessThreshold {
				next.State = gateway.CircuitClosed
				next.Failures = 0
				next.Successes = 0
				next.OpenedAt = 0
				next.HalfOpenInFlight = 0
			} else {
				next.HalfOpenInFlight = max(0, next.HalfOpenInFlight-1)
			}
		case evFailure:
			next.State = gateway.CircuitOpen
			next.OpenedAt = now
			next.Successes = 0
			next.HalfOpenInFlight = 0
		case evAbort:
			if rec.HalfOpenInFlight == 0 {
				return rec, false
			}
			next.HalfOpenInFlight--
		}
	}
	return next, true
}

// Status returns the stored record plus derived availability. A record in
// Open whose recovery timeout has elapsed reports as available: the next
// admission will probe.
func (b *Breaker) Status(ctx context.Context) (gateway.CircuitRecord, bool, error) {
	rec, err := b.store.GetCircuit(ctx, b.service)
	if err != nil {
		return gateway.CircuitRecord{}, false, err
	}
	available := rec.Available()
	if rec.State == gateway.CircuitOpen {
		elapsed := float64(b.now().UnixNano())/1e9 - rec.OpenedAt
		available = elapsed >= b.cfg.RecoveryTimeout.Seconds()
	}
	return rec, available, nil
}

// Reset forces the breaker to Closed with zero counters.
func (b *Breaker) Reset(ctx context.Context) error {
	return b.store.ResetCircuit(ctx, b.service)
}

// Replay drains the pending-event queue, re-applying each event. Events that
// still cannot be persisted go back on the queue. Returns how many events
// were applied.
func (b *Breaker) Replay(ctx context.Context) int {
	applied := 0
	for {
		pe, ok := b.pending.pop()
		if !ok {
			return applied
		}
		if err := b.apply(ctx, pe.ev); err != nil {
			b.pending.push(pe)
			return applied
		}
		applied++
	}
}

// PendingLen returns the number of queued unpersisted events.
func (b *Breaker) PendingLen() int { return b.pending.len() }

func (b *Breaker) logTransition(from, to gateway.CircuitState) {
	slog.Info("circuit transition",
		"service", b.service,
		"from", string(from),
		"to", string(to),
	)
	if b.onTransition != nil {
		b.onTransition(b.service, to)
	}
}

// --- write-behind queue ---

// pendingQueueSize bounds the per-breaker replay queue.
const pendingQueueSize = 1024

type pendingEvent struct {
	ev event
	at time.Time
}

// pendingQueue is a bounded FIFO with a drop-oldest overflow policy.
type pendingQueue struct {
	mu     sync.Mutex
	events []pendingEvent
	max    int
}

func newPendingQueue(max int) *pendingQueue {
	return &pendingQueue{max: max}
}

func (q *pendingQueue) push(pe pendingEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) >= q.max {
		q.events = q.events[1:]
	}
	q.events = append(q.events, pe)
}

func (q *pendingQueue) pop() (pendingEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return pendingEvent{}, false
	}
	pe := q.events[0]
	q.events = q.events[1:]
	return pe, true
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
