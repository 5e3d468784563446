package security

import "context"

// RateLimiter decides whether a client may submit another execution.
// Implementations live in internal/ratelimit.
type RateLimiter interface {
	Allow(ctx context.Context, clientKey string) (bool, error)
}

// NoopLimiter always permits. It is the default until a backing store is
// configured; per-client quotas are a known gap in that mode.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }
