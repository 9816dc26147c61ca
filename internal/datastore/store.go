package datastore

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

// Store implements domain.DataStore over a Backend.
type Store struct {
	backend domain.Backend
}

// New creates a Store over backend.
func New(backend domain.Backend) *Store {
	return &Store{backend: backend}
}

// NewInMemory creates a Store over a fresh Memory backend.
func NewInMemory() *Store {
	return New(NewMemory())
}

// Backend returns the underlying backend.
func (s *Store) Backend() domain.Backend {
	return s.backend
}

// WithTx runs fn against a Store whose writes are buffered in a transaction
// over s. The transaction commits when fn returns nil and is discarded
// otherwise, so fn never leaves partial state behind.
func (s *Store) WithTx(ctx context.Context, fn func(tx domain.TxDataStore) error) error {
	tx := Begin(s.backend)
	if err := fn(New(tx)); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) get(ctx context.Context, ns domain.Namespace, key common.Hash) ([]byte, bool, error) {
	v, ok, err := s.backend.Get(ctx, ns, key)
	if err != nil {
		return nil, false, fmt.Errorf("datastore: get %s %s: %w", ns, key.Hex(), err)
	}
	return v, ok, nil
}

func (s *Store) put(ctx context.Context, ns domain.Namespace, key common.Hash, value []byte) error {
	return s.backend.Apply(ctx, []domain.Mutation{{
		Kind: domain.MutationPut, Namespace: ns, Key: key, Value: value,
	}})
}

func (s *Store) del(ctx context.Context, ns domain.Namespace, key common.Hash) error {
	return s.backend.Apply(ctx, []domain.Mutation{{
		Kind: domain.MutationDelete, Namespace: ns, Key: key,
	}})
}

// GetUint returns the uint at key, zero when unset.
func (s *Store) GetUint(ctx context.Context, key common.Hash) (*big.Int, error) {
	v, _, err := s.get(ctx, domain.NamespaceUint, key)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(v), nil
}

// SetUint stores a non-negative value.
func (s *Store) SetUint(ctx context.Context, key common.Hash, value *big.Int) error {
	if value.Sign() < 0 {
		return fmt.Errorf("datastore: set uint %s: %w", key.Hex(), domain.ErrNegativeValue)
	}
	return s.put(ctx, domain.NamespaceUint, key, value.Bytes())
}

// RemoveUint deletes the uint at key.
func (s *Store) RemoveUint(ctx context.Context, key common.Hash) error {
	return s.del(ctx, domain.NamespaceUint, key)
}

// ApplyDeltaToUint adds a signed delta and fails if the result is negative.
func (s *Store) ApplyDeltaToUint(ctx context.Context, key common.Hash, delta *big.Int) (*big.Int, error) {
	cur, err := s.GetUint(ctx, key)
	if err != nil {
		return nil, err
	}
	next := cur.Add(cur, delta)
	if next.Sign() < 0 {
		return nil, fmt.Errorf("datastore: apply delta to %s: %w", key.Hex(), domain.ErrNegativeValue)
	}
	if err := s.SetUint(ctx, key, next); err != nil {
		return nil, err
	}
	return next, nil
}

// IncrementUint adds a non-negative delta.
func (s *Store) IncrementUint(ctx context.Context, key common.Hash, delta *big.Int) (*big.Int, error) {
	if delta.Sign() < 0 {
		return nil, fmt.Errorf("datastore: increment %s: %w", key.Hex(), domain.ErrNegativeValue)
	}
	return s.ApplyDeltaToUint(ctx, key, delta)
}

// NextSequence draws the next value of the counter at key from the backend.
// Concurrent transactions never draw the same value.
func (s *Store) NextSequence(ctx context.Context, key common.Hash) (*big.Int, error) {
	n, err := s.backend.Incr(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("datastore: sequence %s: %w", key.Hex(), err)
	}
	return new(big.Int).SetUint64(n), nil
}

// GetInt returns the signed value at key.
func (s *Store) GetInt(ctx context.Context, key common.Hash) (*big.Int, error) {
	v, ok, err := s.get(ctx, domain.NamespaceInt, key)
	if err != nil {
		return nil, err
	}
	if !ok || len(v) == 0 {
		return new(big.Int), nil
	}
	out := new(big.Int).SetBytes(v[1:])
	if v[0] == 1 {
		out.Neg(out)
	}
	return out, nil
}

// SetInt stores a signed value as a sign byte followed by the magnitude.
func (s *Store) SetInt(ctx context.Context, key common.Hash, value *big.Int) error {
	enc := []byte{0}
	if value.Sign() < 0 {
		enc[0] = 1
	}
	enc = append(enc, new(big.Int).Abs(value).Bytes()...)
	return s.put(ctx, domain.NamespaceInt, key, enc)
}

// ApplyDeltaToInt adds delta to the signed value at key.
func (s *Store) ApplyDeltaToInt(ctx context.Context, key common.Hash, delta *big.Int) (*big.Int, error) {
	cur, err := s.GetInt(ctx, key)
	if err != nil {
		return nil, err
	}
	next := cur.Add(cur, delta)
	if err := s.SetInt(ctx, key, next); err != nil {
		return nil, err
	}
	return next, nil
}

// GetBool returns the bool at key, false when unset.
func (s *Store) GetBool(ctx context.Context, key common.Hash) (bool, error) {
	v, ok, err := s.get(ctx, domain.NamespaceBool, key)
	if err != nil {
		return false, err
	}
	return ok && len(v) == 1 && v[0] == 1, nil
}

// SetBool stores a bool.
func (s *Store) SetBool(ctx context.Context, key common.Hash, value bool) error {
	b := byte(0)
	if value {
		b = 1
	}
	return s.put(ctx, domain.NamespaceBool, key, []byte{b})
}

// GetAddress returns the address at key.
func (s *Store) GetAddress(ctx context.Context, key common.Hash) (common.Address, error) {
	v, _, err := s.get(ctx, domain.NamespaceAddress, key)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(v), nil
}

// SetAddress stores an address.
func (s *Store) SetAddress(ctx context.Context, key common.Hash, value common.Address) error {
	return s.put(ctx, domain.NamespaceAddress, key, value.Bytes())
}

// GetBytes32 returns the hash at key.
func (s *Store) GetBytes32(ctx context.Context, key common.Hash) (common.Hash, error) {
	v, _, err := s.get(ctx, domain.NamespaceBytes32, key)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(v), nil
}

// SetBytes32 stores a hash.
func (s *Store) SetBytes32(ctx context.Context, key common.Hash, value common.Hash) error {
	return s.put(ctx, domain.NamespaceBytes32, key, value.Bytes())
}

// GetBytes returns the raw bytes at key, nil when unset.
func (s *Store) GetBytes(ctx context.Context, key common.Hash) ([]byte, error) {
	v, _, err := s.get(ctx, domain.NamespaceBytes, key)
	return v, err
}

// SetBytes stores raw bytes.
func (s *Store) SetBytes(ctx context.Context, key common.Hash, value []byte) error {
	return s.put(ctx, domain.NamespaceBytes, key, value)
}

// RemoveBytes deletes the bytes at key.
func (s *Store) RemoveBytes(ctx context.Context, key common.Hash) error {
	return s.del(ctx, domain.NamespaceBytes, key)
}

// AddBytes32 adds value to the ordered set; adding an existing member is a
// no-op.
func (s *Store) AddBytes32(ctx context.Context, setKey, value common.Hash) error {
	return s.backend.Apply(ctx, []domain.Mutation{{
		Kind: domain.MutationAddMember, Key: setKey, Member: value,
	}})
}

// RemoveBytes32 removes value from the ordered set.
func (s *Store) RemoveBytes32(ctx context.Context, setKey, value common.Hash) error {
	return s.backend.Apply(ctx, []domain.Mutation{{
		Kind: domain.MutationRemoveMember, Key: setKey, Member: value,
	}})
}

// ContainsBytes32 reports set membership.
func (s *Store) ContainsBytes32(ctx context.Context, setKey, value common.Hash) (bool, error) {
	members, err := s.backend.Members(ctx, setKey)
	if err != nil {
		return false, fmt.Errorf("datastore: members %s: %w", setKey.Hex(), err)
	}
	for _, m := range members {
		if m == value {
			return true, nil
		}
	}
	return false, nil
}

// GetBytes32Count returns the set size.
func (s *Store) GetBytes32Count(ctx context.Context, setKey common.Hash) (int, error) {
	members, err := s.backend.Members(ctx, setKey)
	if err != nil {
		return 0, fmt.Errorf("datastore: members %s: %w", setKey.Hex(), err)
	}
	return len(members), nil
}

// GetBytes32ValuesAt returns members in [start, end), clamped to the set size.
func (s *Store) GetBytes32ValuesAt(ctx context.Context, setKey common.Hash, start, end int) ([]common.Hash, error) {
	members, err := s.backend.Members(ctx, setKey)
	if err != nil {
		return nil, fmt.Errorf("datastore: members %s: %w", setKey.Hex(), err)
	}
	if end > len(members) {
		end = len(members)
	}
	if start < 0 {
		start = 0
	}
	if start >= end {
		return nil, nil
	}
	return members[start:end], nil
}

var _ domain.TxDataStore = (*Store)(nil)
