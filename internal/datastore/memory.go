// Package datastore implements the typed key-value store on top of a raw
// backend, an in-memory backend, and the write-buffering transaction overlay
// that makes every keeper operation all-or-nothing.
package datastore

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

type valueKey struct {
	ns  domain.Namespace
	key common.Hash
}

// Memory is an in-process Backend. It is safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	values   map[valueKey][]byte
	sets     map[common.Hash][]common.Hash
	counters map[common.Hash]uint64
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		values:   make(map[valueKey][]byte),
		sets:     make(map[common.Hash][]common.Hash),
		counters: make(map[common.Hash]uint64),
	}
}

// Get returns a copy of the stored value.
func (m *Memory) Get(_ context.Context, ns domain.Namespace, key common.Hash) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[valueKey{ns, key}]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Members returns the set members in insertion order.
func (m *Memory) Members(_ context.Context, setKey common.Hash) ([]common.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]common.Hash(nil), m.sets[setKey]...), nil
}

// Apply writes the batch under a single lock.
func (m *Memory) Apply(_ context.Context, batch []domain.Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mu := range batch {
		switch mu.Kind {
		case domain.MutationPut:
			m.values[valueKey{mu.Namespace, mu.Key}] = append([]byte(nil), mu.Value...)
		case domain.MutationDelete:
			delete(m.values, valueKey{mu.Namespace, mu.Key})
		case domain.MutationAddMember:
			m.sets[mu.Key] = addMember(m.sets[mu.Key], mu.Member)
		case domain.MutationRemoveMember:
			m.sets[mu.Key] = removeMember(m.sets[mu.Key], mu.Member)
			if len(m.sets[mu.Key]) == 0 {
				delete(m.sets, mu.Key)
			}
		default:
			return fmt.Errorf("datastore: unknown mutation kind %d", mu.Kind)
		}
	}
	return nil
}

// Incr increments the counter at key.
func (m *Memory) Incr(_ context.Context, key common.Hash) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func addMember(set []common.Hash, member common.Hash) []common.Hash {
	for _, h := range set {
		if h == member {
			return set
		}
	}
	return append(set, member)
}

func removeMember(set []common.Hash, member common.Hash) []common.Hash {
	for i, h := range set {
		if h == member {
			return append(set[:i:i], set[i+1:]...)
		}
	}
	return set
}

var _ domain.Backend = (*Memory)(nil)
