package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vaultline/auditcore/pkg/event"
)

// Policy bounds the submission rate of one stream.
type Policy struct {
	// RPM is the sustained refill rate in submissions per minute.
	RPM int
	// Burst is the bucket capacity.
	Burst int
}

// LimiterStore holds per-stream token buckets. A nil store disables
// rate limiting entirely.
type LimiterStore interface {
	// Allow consumes cost tokens from the stream's bucket, reporting
	// false when the stream is over its rate.
	Allow(ctx context.Context, streamKey string, policy Policy, cost int) (bool, error)
}

// tokenBucket is one stream's in-memory bucket.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(ratePerSec float64, capacity int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow(cost int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// InMemoryLimiterStore rate-limits within a single process.
type InMemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{buckets: make(map[string]*tokenBucket)}
}

func (s *InMemoryLimiterStore) Allow(ctx context.Context, streamKey string, policy Policy, cost int) (bool, error) {
	rate := float64(policy.RPM) / 60.0
	if rate <= 0 {
		rate = 1.0
	}
	s.mu.Lock()
	tb, ok := s.buckets[streamKey]
	if !ok {
		tb = newTokenBucket(rate, policy.Burst)
		s.buckets[streamKey] = tb
	}
	s.mu.Unlock()
	return tb.allow(cost), nil
}

// redisTokenBucketScript runs the refill-and-consume step atomically so
// multiple ingest replicas share one bucket per stream.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix time (seconds, microsecond precision)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiterStore shares token buckets across replicas through Redis.
type RedisLimiterStore struct {
	client *redis.Client
}

func NewRedisLimiterStore(addr, password string, db int) *RedisLimiterStore {
	return &RedisLimiterStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *RedisLimiterStore) Allow(ctx context.Context, streamKey string, policy Policy, cost int) (bool, error) {
	key := "auditcore:limiter:" + streamKey
	rate := float64(policy.RPM) / 60.0
	if rate <= 0 {
		rate = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{key}, rate, policy.Burst, cost, now).Result()
	if err != nil {
		return false, event.Wrap(event.CodeStorage, "redis limiter", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, event.E(event.CodeStorage, fmt.Sprintf("unexpected limiter script result %T", res))
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

func (s *RedisLimiterStore) Close() error { return s.client.Close() }
