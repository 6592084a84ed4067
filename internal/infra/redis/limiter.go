package redis

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// Token bucket refilled continuously at limit tokens per window, burst = limit.
// now is passed in so every node shares the caller's clock semantics.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local delta = now - ts
if delta < 0 then
  delta = 0
end
tokens = math.min(capacity, tokens + (delta * capacity / window))

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(now))
redis.call("PEXPIRE", KEYS[1], window * 2)
return allowed
`)

const limiterPrefix = "rl:"

type RateLimiter struct {
	cli *redis.Client
	now func() time.Time
}

func NewRateLimiter(client RedisClient) *RateLimiter {
	return &RateLimiter{cli: client.Native(), now: time.Now}
}

// Allow takes one token from the bucket for key, refilling limit tokens per window.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if key == "" {
		return false, errors.New("rate limiter key is empty")
	}
	if limit <= 0 || window <= 0 {
		return false, errors.New("rate limiter limit and window must be positive")
	}
	res, err := tokenBucketScript.Run(ctx, r.cli, []string{limiterPrefix + key},
		limit, window.Milliseconds(), r.now().UnixMilli()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func QueueKey(queue string) string { return "queue:" + queue }

func TenantKey(orgID string) string { return "tenant:" + orgID }
