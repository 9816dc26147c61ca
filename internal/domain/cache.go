package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PriceCache holds the last validated mid price per token. The oracle reads
// it as the reference for the deviation check and the API serves it.
type PriceCache interface {
	SetPrice(ctx context.Context, token common.Address, price *big.Int, ts time.Time) error
	// GetPrice returns ErrNotFound when the token has no cached price.
	GetPrice(ctx context.Context, token common.Address) (*big.Int, time.Time, error)
}

// LockManager hands out exclusive, expiring locks. Acquire does not wait: a
// key somebody else holds fails with ErrLockHeld.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is one replayable entry of an event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries encoded events to websocket subscribers: Publish and
// Subscribe for live delivery, StreamAppend and StreamRead for replay.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	// StreamRead returns at most count entries after lastID, oldest first.
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// RateLimiter counts requests per key over a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
