// Package exchange executes orders against validated prices: it records
// orders, settles swaps and position changes, and classifies every execution
// as executed, cancelled or frozen.
package exchange

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/keys"
)

// OrderStore reads and writes orders as RLP records in a data store.
type OrderStore struct {
	ds domain.DataStore
}

// NewOrderStore creates an OrderStore over ds.
func NewOrderStore(ds domain.DataStore) *OrderStore {
	return &OrderStore{ds: ds}
}

// NextKey draws the global nonce and derives a fresh order key from it. The
// nonce is drawn outside the surrounding transaction, so concurrent creates
// on unrelated markets never share a key.
func NextKey(ctx context.Context, ds domain.DataStore) (common.Hash, error) {
	n, err := ds.NextSequence(ctx, keys.Nonce)
	if err != nil {
		return common.Hash{}, fmt.Errorf("exchange: nonce: %w", err)
	}
	return keys.Encode(n), nil
}

// Get loads an order; a missing one is ErrOrderNotFound.
func (s *OrderStore) Get(ctx context.Context, key common.Hash) (domain.Order, error) {
	enc, err := s.ds.GetBytes(ctx, keys.OrderKey(key))
	if err != nil {
		return domain.Order{}, fmt.Errorf("exchange: get order: %w", err)
	}
	if len(enc) == 0 {
		return domain.Order{}, fmt.Errorf("exchange: order %s: %w", key.Hex(), domain.ErrOrderNotFound)
	}
	var o domain.Order
	if err := rlp.DecodeBytes(enc, &o); err != nil {
		return domain.Order{}, fmt.Errorf("exchange: decode order %s: %w", key.Hex(), err)
	}
	o.Key = key
	return o, nil
}

// Set writes o under o.Key and indexes it.
func (s *OrderStore) Set(ctx context.Context, o domain.Order) error {
	enc, err := rlp.EncodeToBytes(&o)
	if err != nil {
		return fmt.Errorf("exchange: encode order: %w", err)
	}
	if err := s.ds.SetBytes(ctx, keys.OrderKey(o.Key), enc); err != nil {
		return fmt.Errorf("exchange: set order: %w", err)
	}
	if err := s.ds.AddBytes32(ctx, keys.OrderList, o.Key); err != nil {
		return fmt.Errorf("exchange: index order: %w", err)
	}
	if err := s.ds.AddBytes32(ctx, keys.AccountOrderListKey(o.Account), o.Key); err != nil {
		return fmt.Errorf("exchange: index order: %w", err)
	}
	return nil
}

// Remove deletes the order and its index entries.
func (s *OrderStore) Remove(ctx context.Context, key common.Hash, account common.Address) error {
	if err := s.ds.RemoveBytes(ctx, keys.OrderKey(key)); err != nil {
		return fmt.Errorf("exchange: remove order: %w", err)
	}
	if err := s.ds.RemoveBytes32(ctx, keys.OrderList, key); err != nil {
		return fmt.Errorf("exchange: unindex order: %w", err)
	}
	if err := s.ds.RemoveBytes32(ctx, keys.AccountOrderListKey(account), key); err != nil {
		return fmt.Errorf("exchange: unindex order: %w", err)
	}
	return nil
}

// ListKeys returns order keys in [start, end).
func (s *OrderStore) ListKeys(ctx context.Context, start, end int) ([]common.Hash, error) {
	return s.ds.GetBytes32ValuesAt(ctx, keys.OrderList, start, end)
}

// ListAccountKeys returns the account's order keys in [start, end).
func (s *OrderStore) ListAccountKeys(ctx context.Context, account common.Address, start, end int) ([]common.Hash, error) {
	return s.ds.GetBytes32ValuesAt(ctx, keys.AccountOrderListKey(account), start, end)
}
