// Package ratelimit implements per-client token bucket limiters that back
// the security policy's rate-limit hook: an in-process one and a Redis one
// shared across replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

func (c Config) burst() int {
	burst := c.BurstSize
	if burst <= 0 {
		burst = c.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return burst
}

// Local is an in-process per-client limiter.
// Each client gets an independent bucket; one client cannot exhaust another's quota.
type Local struct {
	mu      sync.RWMutex
	clients map[string]*entry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocal creates an in-process limiter.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLocal(cfg Config) *Local {
	return &Local{
		clients: make(map[string]*entry),
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   cfg.burst(),
		now:     time.Now,
	}
}

// Allow consumes one token for clientKey if available.
func (l *Local) Allow(_ context.Context, clientKey string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	return l.limiterFor(clientKey).AllowN(l.now(), 1), nil
}

func (l *Local) limiterFor(clientKey string) *rate.Limiter {
	now := l.now()

	l.mu.RLock()
	e, ok := l.clients[clientKey]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		e.lastSeen = now
		l.mu.Unlock()
		return e.limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check after acquiring write lock
	if e, ok = l.clients[clientKey]; ok {
		e.lastSeen = now
		return e.limiter
	}
	e = &entry{limiter: rate.NewLimiter(l.limit, l.burst), lastSeen: now}
	l.clients[clientKey] = e
	return e.limiter
}

// Prune drops buckets not used for longer than idle and returns how many were removed.
func (l *Local) Prune(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, e := range l.clients {
		if e.lastSeen.Before(cutoff) {
			delete(l.clients, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.clients)
}
