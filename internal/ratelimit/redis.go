package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript atomically refills and consumes one token.
// KEYS[1] bucket key; ARGV capacity, refill/s, now (ns), ttl seconds.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refillRate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'lastRefill')
local tokens = tonumber(state[1])
local lastRefill = tonumber(state[2])
if tokens == nil then
	tokens = capacity
	lastRefill = now
end
if lastRefill == nil then
	lastRefill = now
end

local elapsed = (now - lastRefill) / 1000000000
if elapsed > 0 then
	tokens = math.min(capacity, tokens + elapsed * refillRate)
end

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'lastRefill', tostring(now))
redis.call('EXPIRE', key, ttl)
return allowed
`)

// Redis is a token bucket limiter stored in Redis so every replica shares quotas.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
	capacity  float64
	refill    float64
	ttl       time.Duration
}

// NewRedis creates a Redis-backed limiter. keyPrefix defaults to "runbox:ratelimit:".
func NewRedis(client redis.UniversalClient, keyPrefix string, cfg Config) *Redis {
	if keyPrefix == "" {
		keyPrefix = "runbox:ratelimit:"
	}
	capacity := float64(cfg.burst())
	refill := float64(cfg.RequestsPerMinute) / 60.0
	ttl := time.Minute
	if refill > 0 {
		ttl = time.Duration(capacity/refill*1.1*float64(time.Second)) + time.Second
	}
	return &Redis{
		client:    client,
		keyPrefix: keyPrefix,
		capacity:  capacity,
		refill:    refill,
		ttl:       ttl,
	}
}

// Allow consumes one token for clientKey if available.
func (r *Redis) Allow(ctx context.Context, clientKey string) (bool, error) {
	if r.refill <= 0 {
		return true, nil
	}
	res, err := tokenBucketScript.Run(ctx, r.client, []string{r.keyPrefix + clientKey},
		r.capacity,
		r.refill,
		time.Now().UnixNano(),
		int64(r.ttl.Seconds()),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis rate limit check failed: %w", err)
	}
	return res == 1, nil
}

// Ping checks if the Redis connection is healthy.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
