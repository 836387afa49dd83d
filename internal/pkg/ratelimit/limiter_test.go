package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRateLimiter(client, "test"), mr
}

func TestAllow_CountsWithinWindow(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()

	for want := int64(2); want >= 0; want-- {
		ok, remaining, err := limiter.Allow(ctx, "initiate:254711000000", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, want, remaining)
	}

	ok, remaining, err := limiter.Allow(ctx, "initiate:254711000000", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, remaining)

	assert.True(t, mr.Exists("test:initiate:254711000000"))
	assert.Equal(t, time.Minute, mr.TTL("test:initiate:254711000000"))
}

func TestAllow_WindowExpires(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := limiter.Allow(ctx, "k", 1, time.Minute)
		require.NoError(t, err)
	}
	// Later attempts do not push the window out.
	mr.FastForward(30 * time.Second)
	ok, _, err := limiter.Allow(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 30*time.Second, mr.TTL("test:k"))

	mr.FastForward(31 * time.Second)
	ok, remaining, err := limiter.Allow(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, remaining)
}

func TestAllow_HealsCounterWithoutExpiry(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	require.NoError(t, mr.Set("test:k", "5"))

	_, _, err := limiter.Allow(context.Background(), "k", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("test:k"))
}

func TestReset(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()

	_, _, err := limiter.Allow(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	ok, _, err := limiter.Allow(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, limiter.Reset(ctx, "k"))
	assert.False(t, mr.Exists("test:k"))

	ok, _, err = limiter.Allow(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllow_StoreDown(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	mr.Close()

	ok, _, err := limiter.Allow(context.Background(), "k", 1, time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}
