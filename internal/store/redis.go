// Package store is a thin adapter over the shared Redis store. It owns the
// key layout and the Lua scripts that make limiter and breaker updates
// atomic across gateway instances.
package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	gateway "github.com/gatewarden/warden/internal"
)

// Client wraps a Redis connection with the gateway's store operations.
type Client struct {
	rdb *redis.Client
}

// New parses a Redis URL and returns a connected client. Connectivity is
// verified by the caller via Ping so tests can construct against miniredis.
func New(url string) (*Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	return &Client{rdb: redis.NewClient(opt)}, nil
}

// NewWithClient wraps an existing Redis client (used by tests).
func NewWithClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping verifies store connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Now returns the store's clock in unix seconds to avoid skew across gateway
// instances, falling back to the caller's wall clock when the store cannot
// answer.
func (c *Client) Now(ctx context.Context) float64 {
	t, err := c.rdb.Time(ctx).Result()
	if err != nil {
		return float64(time.Now().UnixNano()) / 1e9
	}
	return float64(t.UnixNano()) / 1e9
}

// --- Sliding window ---

// windowScript increments the per-window counter and arms the TTL on first
// insert, atomically. Returns the post-increment count.
var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// WindowKey builds the fixed-window counter key for an identity. The window
// id quantizes time so the key rolls over at each window boundary.
func WindowKey(identity string, windowID int64) string {
	return "ratelimit:window:" + identity + ":" + strconv.FormatInt(windowID, 10)
}

// WindowIncr atomically increments the window counter and returns the new count.
func (c *Client) WindowIncr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := windowScript.Run(ctx, c.rdb, []string{key}, int(ttl.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("window incr: %w", err)
	}
	return n, nil
}

// --- Token bucket ---

// bucketScript performs the atomic read-modify-write of a token bucket:
// refill from elapsed time, consume if affordable, persist with TTL.
// now is passed in (store clock preferred) and clamped to last-refill so a
// lagging caller clock can never drain the bucket by going backwards.
// Returns {allowed, remaining} with remaining as a string to keep float
// precision across the Lua/RESP boundary.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local b = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(b[1])
local ts = tonumber(b[2])
if tokens == nil then tokens = capacity end
if ts == nil then ts = now end
if now < ts then now = ts end

tokens = math.min(capacity, tokens + (now - ts) * rate)
local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

// BucketKey builds the token-bucket key for an identity.
func BucketKey(identity string) string {
	return "ratelimit:bucket:" + identity
}

// BucketConsume attempts to take cost tokens from the bucket, refilling from
// elapsed time first. Returns whether the consume succeeded and the tokens
// remaining afterwards.
func (c *Client) BucketConsume(ctx context.Context, key string, capacity int, refillRate float64, cost float64) (allowed bool, remaining float64, err error) {
	now := c.Now(ctx)
	ttl := int(float64(capacity) / refillRate * 2)
	if ttl < 1 {
		ttl = 1
	}
	res, err := bucketScript.Run(ctx, c.rdb, []string{key},
		capacity, refillRate, cost, now, ttl).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("bucket consume: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("bucket consume: unexpected reply %v", res)
	}
	ok, _ := res[0].(int64)
	s, _ := res[1].(string)
	remaining, _ = strconv.ParseFloat(s, 64)
	return ok == 1, remaining, nil
}

// --- Circuit records ---

// casScript updates a circuit record only when its version matches the one
// the caller read, serializing concurrent state transitions. Returns 1 when
// applied, 0 when the caller lost the race.
var casScript = redis.NewScript(`
local ver = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
if ver ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1],
  'state', ARGV[2],
  'failures', ARGV[3],
  'successes', ARGV[4],
  'opened_at', ARGV[5],
  'inflight', ARGV[6],
  'version', ver + 1)
return 1
`)

// CircuitKey builds the breaker record key for a service.
func CircuitKey(service string) string {
	return "circuit:" + service
}

// GetCircuit reads a circuit record. A missing record decodes as Closed with
// zero counters and version 0, so the first CAS creates it.
func (c *Client) GetCircuit(ctx context.Context, service string) (gateway.CircuitRecord, error) {
	m, err := c.rdb.HGetAll(ctx, CircuitKey(service)).Result()
	if err != nil {
		return gateway.CircuitRecord{}, fmt.Errorf("get circuit: %w", err)
	}
	rec := gateway.CircuitRecord{State: gateway.CircuitClosed}
	if len(m) == 0 {
		return rec, nil
	}
	if s, ok := m["state"]; ok && s != "" {
		rec.State = gateway.CircuitState(s)
	}
	rec.Failures, _ = strconv.Atoi(m["failures"])
	rec.Successes, _ = strconv.Atoi(m["successes"])
	rec.OpenedAt, _ = strconv.ParseFloat(m["opened_at"], 64)
	rec.HalfOpenInFlight, _ = strconv.Atoi(m["inflight"])
	rec.Version, _ = strconv.ParseInt(m["version"], 10, 64)
	return rec, nil
}

// CasCircuit writes rec if the stored version still equals rec.Version.
// Circuit records carry no TTL: breaker state survives gateway rollouts.
func (c *Client) CasCircuit(ctx context.Context, service string, rec gateway.CircuitRecord) (bool, error) {
	ok, err := casScript.Run(ctx, c.rdb, []string{CircuitKey(service)},
		rec.Version,
		string(rec.State),
		rec.Failures,
		rec.Successes,
		strconv.FormatFloat(rec.OpenedAt, 'f', -1, 64),
		rec.HalfOpenInFlight,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("cas circuit: %w", err)
	}
	return ok == 1, nil
}

// ResetCircuit unconditionally forces a service's record to Closed with zero
// counters, bumping the version so in-flight CAS writers lose.
var resetScript = redis.NewScript(`
local ver = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
redis.call('HSET', KEYS[1],
  'state', 'closed',
  'failures', 0,
  'successes', 0,
  'opened_at', 0,
  'inflight', 0,
  'version', ver + 1)
return ver + 1
`)

// ResetCircuit forces the record to Closed regardless of prior state.
func (c *Client) ResetCircuit(ctx context.Context, service string) error {
	if err := resetScript.Run(ctx, c.rdb, []string{CircuitKey(service)}).Err(); err != nil {
		return fmt.Errorf("reset circuit: %w", err)
	}
	return nil
}
