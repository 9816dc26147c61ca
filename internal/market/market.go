// Package market holds market registration, pool accounting and pool
// valuation.
package market

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/keys"
	"github.com/alanyoungcy/perpcore/internal/oracle"
)

// Props is a market's token triple.
type Props = domain.Market

// Prices are the prices of a market's tokens for one execution.
type Prices = domain.MarketPrices

// PricesFromSet picks the market's token prices out of set.
func PricesFromSet(set *oracle.PriceSet, m Props) (Prices, error) {
	index, err := set.Get(m.IndexToken)
	if err != nil {
		return Prices{}, err
	}
	long, err := set.Get(m.LongToken)
	if err != nil {
		return Prices{}, err
	}
	short, err := set.Get(m.ShortToken)
	if err != nil {
		return Prices{}, err
	}
	return Prices{IndexTokenPrice: index, LongTokenPrice: long, ShortTokenPrice: short}, nil
}

// Tokens returns the distinct tokens a market needs prices for.
func Tokens(m Props) []common.Address {
	out := make([]common.Address, 0, 3)
	for _, t := range []common.Address{m.IndexToken, m.LongToken, m.ShortToken} {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

func listKey(market common.Address) common.Hash {
	return common.BytesToHash(market.Bytes())
}

// CreateMarket registers m.
func CreateMarket(ctx context.Context, ds domain.DataStore, m Props) error {
	if m.MarketToken == (common.Address{}) || m.LongToken == (common.Address{}) || m.ShortToken == (common.Address{}) {
		return fmt.Errorf("market: create: %w: zero token address", domain.ErrInvalidOrder)
	}
	exists, err := ds.ContainsBytes32(ctx, keys.MarketList, listKey(m.MarketToken))
	if err != nil {
		return fmt.Errorf("market: create: %w", err)
	}
	if exists {
		return fmt.Errorf("market: create %s: %w", m.MarketToken.Hex(), domain.ErrAlreadyExists)
	}
	enc, err := rlp.EncodeToBytes(&m)
	if err != nil {
		return fmt.Errorf("market: encode: %w", err)
	}
	if err := ds.SetBytes(ctx, keys.MarketKey(m.MarketToken), enc); err != nil {
		return fmt.Errorf("market: create: %w", err)
	}
	return ds.AddBytes32(ctx, keys.MarketList, listKey(m.MarketToken))
}

// GetMarket loads the market whose market token is addr.
func GetMarket(ctx context.Context, ds domain.DataStore, addr common.Address) (Props, error) {
	enc, err := ds.GetBytes(ctx, keys.MarketKey(addr))
	if err != nil {
		return Props{}, fmt.Errorf("market: get: %w", err)
	}
	if len(enc) == 0 {
		return Props{}, fmt.Errorf("market: %s: %w", addr.Hex(), domain.ErrMarketNotFound)
	}
	var m Props
	if err := rlp.DecodeBytes(enc, &m); err != nil {
		return Props{}, fmt.Errorf("market: decode %s: %w", addr.Hex(), err)
	}
	return m, nil
}

// ListMarkets returns the markets registered in [start, end).
func ListMarkets(ctx context.Context, ds domain.DataStore, start, end int) ([]Props, error) {
	hashes, err := ds.GetBytes32ValuesAt(ctx, keys.MarketList, start, end)
	if err != nil {
		return nil, fmt.Errorf("market: list: %w", err)
	}
	out := make([]Props, 0, len(hashes))
	for _, h := range hashes {
		m, err := GetMarket(ctx, ds, common.BytesToAddress(h.Bytes()))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// IsDisabled reports whether the market is switched off.
func IsDisabled(ctx context.Context, ds domain.DataStore, market common.Address) (bool, error) {
	return ds.GetBool(ctx, keys.IsMarketDisabledKey(market))
}

// SetDisabled switches the market on or off.
func SetDisabled(ctx context.Context, ds domain.DataStore, market common.Address, disabled bool) error {
	return ds.SetBool(ctx, keys.IsMarketDisabledKey(market), disabled)
}

// GetEnabledMarket loads the market and fails if it is disabled.
func GetEnabledMarket(ctx context.Context, ds domain.DataStore, addr common.Address) (Props, error) {
	m, err := GetMarket(ctx, ds, addr)
	if err != nil {
		return Props{}, err
	}
	disabled, err := IsDisabled(ctx, ds, addr)
	if err != nil {
		return Props{}, fmt.Errorf("market: %w", err)
	}
	if disabled {
		return Props{}, fmt.Errorf("market: %s: %w", addr.Hex(), domain.ErrMarketDisabled)
	}
	return m, nil
}

// IsNotFound reports whether err is a missing-market error.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrMarketNotFound)
}
