package datastore

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

type pending struct {
	data    []byte
	deleted bool
}

// Tx buffers writes on top of a parent Backend. Reads see the buffered state;
// nothing reaches the parent until Commit, which hands the whole batch to the
// parent's Apply. A Tx is itself a Backend, so transactions nest.
type Tx struct {
	mu     sync.Mutex
	parent domain.Backend
	values map[valueKey]pending
	sets   map[common.Hash][]common.Hash
	log    []domain.Mutation
	closed bool
}

// Begin starts a transaction over parent.
func Begin(parent domain.Backend) *Tx {
	return &Tx{
		parent: parent,
		values: make(map[valueKey]pending),
		sets:   make(map[common.Hash][]common.Hash),
	}
}

// Get returns the buffered value if one exists, else the parent's.
func (tx *Tx) Get(ctx context.Context, ns domain.Namespace, key common.Hash) ([]byte, bool, error) {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return nil, false, domain.ErrTxClosed
	}
	p, ok := tx.values[valueKey{ns, key}]
	tx.mu.Unlock()
	if ok {
		if p.deleted {
			return nil, false, nil
		}
		return append([]byte(nil), p.data...), true, nil
	}
	return tx.parent.Get(ctx, ns, key)
}

// Members returns the buffered view of a set.
func (tx *Tx) Members(ctx context.Context, setKey common.Hash) ([]common.Hash, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, domain.ErrTxClosed
	}
	if set, ok := tx.sets[setKey]; ok {
		return append([]common.Hash(nil), set...), nil
	}
	return tx.parent.Members(ctx, setKey)
}

// Apply buffers the batch.
func (tx *Tx) Apply(ctx context.Context, batch []domain.Mutation) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return domain.ErrTxClosed
	}
	for _, mu := range batch {
		switch mu.Kind {
		case domain.MutationPut:
			tx.values[valueKey{mu.Namespace, mu.Key}] = pending{data: append([]byte(nil), mu.Value...)}
		case domain.MutationDelete:
			tx.values[valueKey{mu.Namespace, mu.Key}] = pending{deleted: true}
		case domain.MutationAddMember, domain.MutationRemoveMember:
			set, ok := tx.sets[mu.Key]
			if !ok {
				base, err := tx.parent.Members(ctx, mu.Key)
				if err != nil {
					return fmt.Errorf("datastore: tx load set: %w", err)
				}
				set = base
			}
			if mu.Kind == domain.MutationAddMember {
				set = addMember(set, mu.Member)
			} else {
				set = removeMember(set, mu.Member)
			}
			tx.sets[mu.Key] = set
		default:
			return fmt.Errorf("datastore: unknown mutation kind %d", mu.Kind)
		}
		tx.log = append(tx.log, mu)
	}
	return nil
}

// Incr goes straight to the parent; counters are not rolled back.
func (tx *Tx) Incr(ctx context.Context, key common.Hash) (uint64, error) {
	tx.mu.Lock()
	closed := tx.closed
	tx.mu.Unlock()
	if closed {
		return 0, domain.ErrTxClosed
	}
	return tx.parent.Incr(ctx, key)
}

// Mutations returns a copy of the buffered batch.
func (tx *Tx) Mutations() []domain.Mutation {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]domain.Mutation(nil), tx.log...)
}

// Commit applies the buffered batch to the parent and closes the Tx.
func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return domain.ErrTxClosed
	}
	tx.closed = true
	if len(tx.log) == 0 {
		return nil
	}
	if err := tx.parent.Apply(ctx, tx.log); err != nil {
		return fmt.Errorf("datastore: commit: %w", err)
	}
	return nil
}

// Discard drops the buffered batch. Calling it after Commit is a no-op.
func (tx *Tx) Discard() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.closed = true
	tx.log = nil
	tx.values = nil
	tx.sets = nil
}

var _ domain.Backend = (*Tx)(nil)
