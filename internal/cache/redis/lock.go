package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

// releaseLua deletes the lock only while it still carries the holder's token.
// A holder whose TTL ran out cannot release the next holder's lock.
var releaseLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

const releaseTimeout = 5 * time.Second

// LockManager implements domain.LockManager across keeper replicas that share
// one Redis. Acquire never waits: the keeper service takes market-side locks
// in a fixed order and a contended lock fails with domain.ErrLockHeld.
type LockManager struct {
	c *Client
}

func NewLockManager(c *Client) *LockManager {
	return &LockManager{c: c}
}

// Acquire takes key until ttl passes or unlock runs. A zero ttl never expires.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.c.key("lock", key)

	err := lm.c.rdb.SetArgs(ctx, lk, token, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("%w: %s", domain.ErrLockHeld, key)
	case err != nil:
		return nil, fmt.Errorf("redis: lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be done when it unlocks.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			_ = releaseLua.Run(rctx, lm.c.rdb, []string{lk}, token).Err()
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
