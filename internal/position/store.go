// Package position stores positions and computes their pnl, fees and
// liquidation eligibility.
package position

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/keys"
)

// Key returns the storage key of the position an account holds in a market
// with a given collateral token and side.
func Key(account, market, collateralToken common.Address, isLong bool) common.Hash {
	return keys.Encode(account, market, collateralToken, isLong)
}

// KeyOf returns the key of pos.
func KeyOf(pos domain.Position) common.Hash {
	return Key(pos.Account, pos.Market, pos.CollateralToken, pos.IsLong)
}

// Store reads and writes positions as RLP records in a data store.
type Store struct {
	ds domain.DataStore
}

// NewStore creates a Store over ds.
func NewStore(ds domain.DataStore) *Store {
	return &Store{ds: ds}
}

// Get loads a position; a missing one is ErrPositionNotFound.
func (s *Store) Get(ctx context.Context, key common.Hash) (domain.Position, error) {
	enc, err := s.ds.GetBytes(ctx, keys.PositionKey(key))
	if err != nil {
		return domain.Position{}, fmt.Errorf("position: get: %w", err)
	}
	if len(enc) == 0 {
		return domain.Position{}, fmt.Errorf("position: %s: %w", key.Hex(), domain.ErrPositionNotFound)
	}
	var pos domain.Position
	if err := rlp.DecodeBytes(enc, &pos); err != nil {
		return domain.Position{}, fmt.Errorf("position: decode %s: %w", key.Hex(), err)
	}
	return pos, nil
}

// Set writes pos and indexes it.
func (s *Store) Set(ctx context.Context, pos domain.Position) error {
	key := KeyOf(pos)
	enc, err := rlp.EncodeToBytes(&pos)
	if err != nil {
		return fmt.Errorf("position: encode: %w", err)
	}
	if err := s.ds.SetBytes(ctx, keys.PositionKey(key), enc); err != nil {
		return fmt.Errorf("position: set: %w", err)
	}
	if err := s.ds.AddBytes32(ctx, keys.PositionList, key); err != nil {
		return fmt.Errorf("position: index: %w", err)
	}
	if err := s.ds.AddBytes32(ctx, keys.AccountPositionListKey(pos.Account), key); err != nil {
		return fmt.Errorf("position: index: %w", err)
	}
	return nil
}

// Remove deletes the position and its index entries.
func (s *Store) Remove(ctx context.Context, key common.Hash, account common.Address) error {
	if err := s.ds.RemoveBytes(ctx, keys.PositionKey(key)); err != nil {
		return fmt.Errorf("position: remove: %w", err)
	}
	if err := s.ds.RemoveBytes32(ctx, keys.PositionList, key); err != nil {
		return fmt.Errorf("position: unindex: %w", err)
	}
	if err := s.ds.RemoveBytes32(ctx, keys.AccountPositionListKey(account), key); err != nil {
		return fmt.Errorf("position: unindex: %w", err)
	}
	return nil
}

// ListKeys returns position keys in [start, end).
func (s *Store) ListKeys(ctx context.Context, start, end int) ([]common.Hash, error) {
	return s.ds.GetBytes32ValuesAt(ctx, keys.PositionList, start, end)
}

// ListAccountKeys returns the account's position keys in [start, end).
func (s *Store) ListAccountKeys(ctx context.Context, account common.Address, start, end int) ([]common.Hash, error) {
	return s.ds.GetBytes32ValuesAt(ctx, keys.AccountPositionListKey(account), start, end)
}

// Count returns the number of open positions.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.ds.GetBytes32Count(ctx, keys.PositionList)
}
