package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

func TestLockIsExclusiveUntilReleased(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	lm := NewLockManager(c)

	unlock, err := lm.Acquire(ctx, "market:0xd1", 0)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:market:0xd1"))

	_, err = lm.Acquire(ctx, "market:0xd1", 0)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	other, err := lm.Acquire(ctx, "market:0xd2", 0)
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	assert.False(t, mr.Exists("test:lock:market:0xd1"))

	again, err := lm.Acquire(ctx, "market:0xd1", 0)
	require.NoError(t, err)
	again()
}

func TestExpiredHolderCannotReleaseNextHolder(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	lm := NewLockManager(c)

	stale, err := lm.Acquire(ctx, "market:0xd1", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	current, err := lm.Acquire(ctx, "market:0xd1", time.Minute)
	require.NoError(t, err)

	stale()
	assert.True(t, mr.Exists("test:lock:market:0xd1"))
	_, err = lm.Acquire(ctx, "market:0xd1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	current()
	assert.False(t, mr.Exists("test:lock:market:0xd1"))
}

func TestLockReleaseAfterContextCancel(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)

	ctx, cancel := context.WithCancel(context.Background())
	unlock, err := lm.Acquire(ctx, "market:0xd1", time.Minute)
	require.NoError(t, err)
	cancel()

	unlock()
	assert.False(t, mr.Exists("test:lock:market:0xd1"))
}
