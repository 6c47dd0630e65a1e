package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix microseconds)
// Returns {allowed, remaining, retry_after_us}.
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
    tokens = math.min(capacity, tokens + (elapsed / 1000000) * rate)
    last_refill = now
end

local allowed = 0
local retry_after = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
else
    retry_after = math.ceil(((cost - tokens) / rate) * 1000000)
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill", tostring(last_refill))
redis.call("PEXPIRE", key, math.ceil((capacity / rate) * 1000) + 1000)

return {allowed, math.floor(tokens), retry_after}
`)

// redisSlidingWindowScript keeps admitted calls in a sorted set scored by
// time. Refused calls are not recorded.
// KEYS[1] = window key
// ARGV[1] = now (unix microseconds)
// ARGV[2] = window (microseconds)
// ARGV[3] = max requests
// ARGV[4] = cost
// ARGV[5] = unique member prefix
// Returns {allowed, remaining, retry_after_us}.
var redisSlidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local member = ARGV[5]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)

if count + cost <= max then
    for i = 1, cost do
        redis.call("ZADD", key, now, member .. ":" .. i)
    end
    redis.call("PEXPIRE", key, math.ceil(window / 1000) + 1000)
    return {1, max - count - cost, 0}
end

local idx = count + cost - max - 1
local oldest = redis.call("ZRANGE", key, idx, idx, "WITHSCORES")
local retry_after = 0
if oldest[2] then
    retry_after = tonumber(oldest[2]) + window - now
end
return {0, max - count, retry_after}
`)

// RedisTokenBucket is a TokenBucket whose state lives in Redis, shared by
// every process using the same key.
type RedisTokenBucket struct {
	client   redis.UniversalClient
	id       string
	key      string
	capacity int
	refill   float64
	clock    func() time.Time
	allowed  atomic.Uint64
	denied   atomic.Uint64
}

func NewRedisTokenBucket(client redis.UniversalClient, prefix, id string, capacity int, refillPerSecond float64) *RedisTokenBucket {
	return &RedisTokenBucket{
		client:   client,
		id:       id,
		key:      prefix + "tb:" + id,
		capacity: capacity,
		refill:   refillPerSecond,
		clock:    time.Now,
	}
}

func (r *RedisTokenBucket) Identifier() string { return r.id }

func (r *RedisTokenBucket) Consume(ctx context.Context, n int) (Decision, error) {
	if n <= 0 {
		n = 1
	}
	if n > r.capacity {
		return Decision{}, fmt.Errorf("%w: %d > %d for %s", ErrInvalidCost, n, r.capacity, r.id)
	}
	res, err := redisTokenBucketScript.Run(ctx, r.client, []string{r.key},
		r.refill, r.capacity, n, r.clock().UnixMicro()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis limiter error: %w", err)
	}
	d, err := parseScriptResult(res)
	if err != nil {
		return Decision{}, err
	}
	count(&r.allowed, &r.denied, d)
	return d, nil
}

func (r *RedisTokenBucket) Reset(ctx context.Context) error {
	r.allowed.Store(0)
	r.denied.Store(0)
	return r.client.Del(ctx, r.key).Err()
}

func (r *RedisTokenBucket) Snapshot(ctx context.Context) Snapshot {
	s := Snapshot{
		Identifier: r.id,
		Strategy:   StrategyTokenBucket,
		Capacity:   r.capacity,
		Available:  float64(r.capacity),
		Allowed:    r.allowed.Load(),
		Denied:     r.denied.Load(),
	}
	vals, err := r.client.HMGet(ctx, r.key, "tokens", "last_refill").Result()
	if err != nil || len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return s
	}
	var tokens, last float64
	if _, err := fmt.Sscan(fmt.Sprint(vals[0]), &tokens); err != nil {
		return s
	}
	if _, err := fmt.Sscan(fmt.Sprint(vals[1]), &last); err != nil {
		return s
	}
	elapsed := float64(r.clock().UnixMicro()) - last
	s.Available = math.Min(float64(r.capacity), tokens+math.Max(0, elapsed)/1e6*r.refill)
	return s
}

// RedisSlidingWindow is a SlidingWindow whose log lives in a Redis sorted set.
type RedisSlidingWindow struct {
	client  redis.UniversalClient
	id      string
	key     string
	max     int
	window  time.Duration
	clock   func() time.Time
	allowed atomic.Uint64
	denied  atomic.Uint64
}

func NewRedisSlidingWindow(client redis.UniversalClient, prefix, id string, maxRequests int, window time.Duration) *RedisSlidingWindow {
	return &RedisSlidingWindow{
		client: client,
		id:     id,
		key:    prefix + "sw:" + id,
		max:    maxRequests,
		window: window,
		clock:  time.Now,
	}
}

func (r *RedisSlidingWindow) Identifier() string { return r.id }

func (r *RedisSlidingWindow) Consume(ctx context.Context, n int) (Decision, error) {
	if n <= 0 {
		n = 1
	}
	if n > r.max {
		return Decision{}, fmt.Errorf("%w: %d > %d for %s", ErrInvalidCost, n, r.max, r.id)
	}
	res, err := redisSlidingWindowScript.Run(ctx, r.client, []string{r.key},
		r.clock().UnixMicro(), r.window.Microseconds(), r.max, n, uuid.NewString()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis limiter error: %w", err)
	}
	d, err := parseScriptResult(res)
	if err != nil {
		return Decision{}, err
	}
	count(&r.allowed, &r.denied, d)
	return d, nil
}

func (r *RedisSlidingWindow) Reset(ctx context.Context) error {
	r.allowed.Store(0)
	r.denied.Store(0)
	return r.client.Del(ctx, r.key).Err()
}

func (r *RedisSlidingWindow) Snapshot(ctx context.Context) Snapshot {
	s := Snapshot{
		Identifier: r.id,
		Strategy:   StrategySlidingWindow,
		Capacity:   r.max,
		Available:  float64(r.max),
		Allowed:    r.allowed.Load(),
		Denied:     r.denied.Load(),
	}
	floor := fmt.Sprintf("(%d", r.clock().UnixMicro()-r.window.Microseconds())
	if n, err := r.client.ZCount(ctx, r.key, floor, "+inf").Result(); err == nil {
		s.Available = math.Max(0, float64(int64(r.max)-n))
	}
	return s
}

func parseScriptResult(res any) (Decision, error) {
	results, ok := res.([]any)
	if !ok || len(results) != 3 {
		return Decision{}, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	rem, _ := results[1].(int64)
	retry, _ := results[2].(int64)
	return Decision{
		Allowed:    allowed == 1,
		Remaining:  int(rem),
		RetryAfter: time.Duration(retry) * time.Microsecond,
	}, nil
}

func count(allowed, denied *atomic.Uint64, d Decision) {
	if d.Allowed {
		allowed.Add(1)
	} else {
		denied.Add(1)
	}
}
