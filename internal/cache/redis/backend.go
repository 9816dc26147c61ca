package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

// Backend implements domain.Backend on Redis. Values are plain strings at
// "{prefix}:{namespace}:{key}"; ordered sets are sorted sets scored by a
// global insertion counter so members keep their insertion order.
type Backend struct {
	rdb    *redis.Client
	prefix string
}

// NewBackend creates a Backend whose keys all start with prefix.
func NewBackend(c *Client, prefix string) *Backend {
	if prefix == "" {
		prefix = "ds"
	}
	return &Backend{rdb: c.Underlying(), prefix: prefix}
}

func (b *Backend) valueKey(ns domain.Namespace, key common.Hash) string {
	return b.prefix + ":" + ns.String() + ":" + key.Hex()
}

func (b *Backend) setKey(key common.Hash) string {
	return b.prefix + ":set:" + key.Hex()
}

func (b *Backend) counterKey(key common.Hash) string {
	return b.prefix + ":counter:" + key.Hex()
}

func (b *Backend) seqKey() string {
	return b.prefix + ":seq"
}

// Get returns the stored value.
func (b *Backend) Get(ctx context.Context, ns domain.Namespace, key common.Hash) ([]byte, bool, error) {
	v, err := b.rdb.Get(ctx, b.valueKey(ns, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: get %s: %w", key.Hex(), err)
	}
	return v, true, nil
}

// Members returns the set members in insertion order.
func (b *Backend) Members(ctx context.Context, setKey common.Hash) ([]common.Hash, error) {
	vals, err := b.rdb.ZRange(ctx, b.setKey(setKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: members %s: %w", setKey.Hex(), err)
	}
	out := make([]common.Hash, len(vals))
	for i, v := range vals {
		out[i] = common.HexToHash(v)
	}
	return out, nil
}

// Apply writes the batch in one MULTI/EXEC so readers never see half of it.
func (b *Backend) Apply(ctx context.Context, batch []domain.Mutation) error {
	if len(batch) == 0 {
		return nil
	}
	var adds int64
	for _, mu := range batch {
		if mu.Kind == domain.MutationAddMember {
			adds++
		}
	}
	var seq int64
	if adds > 0 {
		top, err := b.rdb.IncrBy(ctx, b.seqKey(), adds).Result()
		if err != nil {
			return fmt.Errorf("redis: reserve sequence: %w", err)
		}
		seq = top - adds
	}

	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, mu := range batch {
			switch mu.Kind {
			case domain.MutationPut:
				pipe.Set(ctx, b.valueKey(mu.Namespace, mu.Key), mu.Value, 0)
			case domain.MutationDelete:
				pipe.Del(ctx, b.valueKey(mu.Namespace, mu.Key))
			case domain.MutationAddMember:
				seq++
				pipe.ZAddNX(ctx, b.setKey(mu.Key), redis.Z{Score: float64(seq), Member: mu.Member.Hex()})
			case domain.MutationRemoveMember:
				pipe.ZRem(ctx, b.setKey(mu.Key), mu.Member.Hex())
			default:
				return fmt.Errorf("redis: unknown mutation kind %d", mu.Kind)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: apply batch: %w", err)
	}
	return nil
}

// Incr increments the counter at key with INCR.
func (b *Backend) Incr(ctx context.Context, key common.Hash) (uint64, error) {
	n, err := b.rdb.Incr(ctx, b.counterKey(key)).Uint64()
	if err != nil {
		return 0, fmt.Errorf("redis: incr %s: %w", key.Hex(), err)
	}
	return n, nil
}

var _ domain.Backend = (*Backend)(nil)
