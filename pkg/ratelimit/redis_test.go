package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casaflow/gateway/pkg/observability"
)

func setupRedisLimiter(t *testing.T, rules []*Rule) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	table, err := NewRules(rules)
	require.NoError(t, err)

	return NewRedisLimiter(client, table, observability.NopLogger(), nil), mr
}

func TestRedisLimiterSustained(t *testing.T) {
	limiter, mr := setupRedisLimiter(t, []*Rule{
		{Key: "GET /properties", Sustained: Quota{MaxRequests: 3, Window: time.Minute}},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision, err := limiter.Allow(ctx, "key-1", "GET", "/properties", Ceiling{})
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "request %d should be admitted", i+1)
	}

	decision, err := limiter.Allow(ctx, "key-1", "GET", "/properties", Ceiling{})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, TierSustained, decision.Tier)

	// The counter expires with the window.
	mr.FastForward(61 * time.Second)
	decision, err = limiter.Allow(ctx, "key-1", "GET", "/properties", Ceiling{})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestRedisLimiterBurstPrecedence(t *testing.T) {
	limiter, mr := setupRedisLimiter(t, []*Rule{
		{
			Key:       "POST /offers",
			Sustained: Quota{MaxRequests: 100, Window: time.Hour},
			Burst:     &Quota{MaxRequests: 2, Window: time.Minute},
		},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := limiter.Allow(ctx, "key-1", "POST", "/offers", Ceiling{})
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}

	decision, err := limiter.Allow(ctx, "key-1", "POST", "/offers", Ceiling{})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, TierBurst, decision.Tier)

	mr.FastForward(61 * time.Second)
	decision, err = limiter.Allow(ctx, "key-1", "POST", "/offers", Ceiling{})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestRedisLimiterKeyCeiling(t *testing.T) {
	limiter, _ := setupRedisLimiter(t, []*Rule{
		{Key: "GET /tasks", Sustained: Quota{MaxRequests: 10, Window: time.Minute}},
	})
	ctx := context.Background()

	ceiling := Ceiling{MaxRequests: 1, WindowSeconds: 60}
	decision, err := limiter.Allow(ctx, "key-1", "GET", "/tasks", ceiling)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	assert.Equal(t, 1, decision.Limit)

	decision, err = limiter.Allow(ctx, "key-1", "GET", "/tasks", ceiling)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	limiter, mr := setupRedisLimiter(t, []*Rule{
		{Key: "GET /properties", Sustained: Quota{MaxRequests: 1, Window: time.Minute}},
	})
	ctx := context.Background()

	mr.Close()

	decision, err := limiter.Allow(ctx, "key-1", "GET", "/properties", Ceiling{})
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "a counter store outage must not deny requests")
}

func TestRedisLimiterReset(t *testing.T) {
	limiter, _ := setupRedisLimiter(t, []*Rule{
		{Key: "GET /properties", Sustained: Quota{MaxRequests: 1, Window: time.Minute}},
	})
	ctx := context.Background()

	decision, err := limiter.Allow(ctx, "key-1", "GET", "/properties", Ceiling{})
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = limiter.Allow(ctx, "key-1", "GET", "/properties", Ceiling{})
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	require.NoError(t, limiter.Reset(ctx, "key-1", "GET /properties"))

	decision, err = limiter.Allow(ctx, "key-1", "GET", "/properties", Ceiling{})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}
