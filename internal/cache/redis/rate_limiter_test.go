package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	rl := NewRateLimiter(c)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "api:1.2.3.4", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "api:1.2.3.4", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// denied requests are not recorded
	members, err := mr.ZMembers("test:ratelimit:api:1.2.3.4")
	require.NoError(t, err)
	assert.Len(t, members, 3)

	ok, err = rl.Allow(ctx, "api:5.6.7.8", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiterWindowSlides(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	window := 50 * time.Millisecond

	ok, err := rl.Allow(ctx, "api:slide", 1, window)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = rl.Allow(ctx, "api:slide", 1, window)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(2 * window)
	ok, err = rl.Allow(ctx, "api:slide", 1, window)
	require.NoError(t, err)
	assert.True(t, ok)
}
