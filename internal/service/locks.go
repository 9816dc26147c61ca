package service

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

// LocalLocks is an in-process domain.LockManager for single-keeper
// deployments on the memory data store. Like the Redis implementation it
// never waits: a held lock fails with domain.ErrLockHeld.
type LocalLocks struct {
	mu    sync.Mutex
	held  map[string]lease
	now   func() time.Time
	nonce uint64
}

type lease struct {
	id      uint64
	expires time.Time
}

// NewLocalLocks creates an empty LocalLocks.
func NewLocalLocks() *LocalLocks {
	return &LocalLocks{held: make(map[string]lease), now: time.Now}
}

// Acquire takes key until ttl passes or unlock runs. A zero ttl never expires.
func (l *LocalLocks) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[key]; ok && (cur.expires.IsZero() || now.Before(cur.expires)) {
		return nil, domain.ErrLockHeld
	}
	l.nonce++
	ls := lease{id: l.nonce}
	if ttl > 0 {
		ls.expires = now.Add(ttl)
	}
	l.held[key] = ls

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if cur, ok := l.held[key]; ok && cur.id == ls.id {
				delete(l.held, key)
			}
		})
	}, nil
}

var _ domain.LockManager = (*LocalLocks)(nil)
