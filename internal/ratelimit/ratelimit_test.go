package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_BurstThenDeny(t *testing.T) {
	l := NewLocal(Config{RequestsPerMinute: 60, BurstSize: 2})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, _ := l.Allow(ctx, "alice")
	assert.False(t, ok, "third request should be limited")

	// Other clients have their own bucket.
	ok, _ = l.Allow(ctx, "bob")
	assert.True(t, ok)

	// One token per second refills.
	now = now.Add(time.Second)
	ok, _ = l.Allow(ctx, "alice")
	assert.True(t, ok)
}

func TestLocal_Unlimited(t *testing.T) {
	l := NewLocal(Config{})
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "anyone")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 0, l.Len())
}

func TestLocal_Prune(t *testing.T) {
	l := NewLocal(Config{RequestsPerMinute: 10})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	_, _ = l.Allow(context.Background(), "a")
	now = now.Add(time.Minute)
	_, _ = l.Allow(context.Background(), "b")

	assert.Equal(t, 1, l.Prune(30*time.Second))
	assert.Equal(t, 1, l.Len())
}

// skipIfNoRedis skips the test if no Redis server answers on localhost.
func skipIfNoRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skip("redis not available, skipping integration test")
	}
	return client
}

func TestRedis_BurstThenDeny(t *testing.T) {
	client := skipIfNoRedis(t)
	r := NewRedis(client, "runbox:test:"+t.Name()+":", Config{RequestsPerMinute: 1, BurstSize: 2})
	defer r.Close()

	ctx := context.Background()
	key := time.Now().Format(time.RFC3339Nano)
	for i := 0; i < 2; i++ {
		ok, err := r.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := r.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
