// Package ratelimit provides a distributed token bucket used to guard the
// expensive scoring/optimization endpoints. State lives in Redis so every
// API replica shares one budget per caller, and requests carry a weight:
// a full schedule optimization costs more of the budget than a single
// score calculation.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Take. RetryAfter is how long until the
// bucket has refilled enough for the same request; zero when the request was
// allowed or when no refill is configured.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket refills at a fixed rate up to a capacity; each allowed request
// consumes its cost in tokens.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Take consumes cost tokens for the given key if available. A cost below one
// counts as one.
func (b *TokenBucket) Take(ctx context.Context, key string, cost int) (Decision, error) {
	if cost < 1 {
		cost = 1
	}
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, now, b.ttl.Milliseconds(), cost).Result()
	if err != nil {
		return Decision{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit reply: %v", res)
	}
	return Decision{
		Allowed:    asInt(arr[0]) == 1,
		Remaining:  asFloat(arr[1]),
		RetryAfter: time.Duration(asInt(arr[2])) * time.Millisecond,
	}, nil
}

func asInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local cost = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
local retry_ms = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
elseif refill > 0 then
  retry_ms = math.ceil((cost - tokens) / refill * 1000)
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens, retry_ms}
`)
