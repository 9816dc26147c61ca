package market

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/fixed"
	"github.com/alanyoungcy/perpcore/internal/keys"
)

// PnlFactorType selects which family of pnl caps applies to a valuation.
type PnlFactorType int

const (
	PnlFactorForTraders PnlFactorType = iota
	PnlFactorForAdl
	PnlFactorForWithdrawals
	PnlFactorForDeposits
)

// Key returns the data store key component of the factor type.
func (t PnlFactorType) Key() common.Hash {
	switch t {
	case PnlFactorForAdl:
		return keys.MaxPnlFactorForAdl
	case PnlFactorForWithdrawals:
		return keys.MaxPnlFactorForWithdrawals
	case PnlFactorForDeposits:
		return keys.MaxPnlFactorForDeposits
	default:
		return keys.MaxPnlFactorForTraders
	}
}

func (t PnlFactorType) String() string {
	switch t {
	case PnlFactorForAdl:
		return "adl"
	case PnlFactorForWithdrawals:
		return "withdrawals"
	case PnlFactorForDeposits:
		return "deposits"
	default:
		return "traders"
	}
}

// ParsePnlFactorType is the inverse of String.
func ParsePnlFactorType(s string) (PnlFactorType, error) {
	for _, t := range []PnlFactorType{PnlFactorForTraders, PnlFactorForAdl, PnlFactorForWithdrawals, PnlFactorForDeposits} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("market: unknown pnl factor type %q", s)
}

// MaxPnlFactor returns the configured cap of the given family.
func MaxPnlFactor(ctx context.Context, ds domain.DataStore, t PnlFactorType, market common.Address, isLong bool) (*big.Int, error) {
	v, err := ds.GetUint(ctx, keys.MaxPnlFactorKey(t.Key(), market, isLong))
	if err != nil {
		return nil, fmt.Errorf("market: max pnl factor: %w", err)
	}
	return v, nil
}

// SetMaxPnlFactor configures the cap of the given family.
func SetMaxPnlFactor(ctx context.Context, ds domain.DataStore, t PnlFactorType, market common.Address, isLong bool, factor *big.Int) error {
	return ds.SetUint(ctx, keys.MaxPnlFactorKey(t.Key(), market, isLong), factor)
}

// GetPnl returns the side's aggregate unrealized trader pnl. Positive means
// traders are in profit. maximize picks the index price that favours traders.
func GetPnl(ctx context.Context, ds domain.DataStore, m Props, indexPrice domain.Price, isLong, maximize bool) (*big.Int, error) {
	oiUsd, err := OpenInterest(ctx, ds, m, isLong)
	if err != nil {
		return nil, err
	}
	oiTokens, err := OpenInterestInTokens(ctx, ds, m, isLong)
	if err != nil {
		return nil, err
	}
	if oiUsd.Sign() == 0 && oiTokens.Sign() == 0 {
		return new(big.Int), nil
	}
	value := oiTokens.Mul(oiTokens, indexPrice.PickPriceForPnl(isLong, maximize))
	if isLong {
		return value.Sub(value, oiUsd), nil
	}
	return oiUsd.Sub(oiUsd, value), nil
}

// GetCappedPnl clamps pnl to ±maxPnlFactor × poolUsd.
func GetCappedPnl(pnl, poolUsd, maxPnlFactor *big.Int) *big.Int {
	limit := fixed.ApplyFactor(poolUsd, maxPnlFactor)
	if pnl.Cmp(limit) > 0 {
		return limit
	}
	if neg := fixed.Neg(limit); pnl.Cmp(neg) < 0 {
		return neg
	}
	return fixed.Copy(pnl)
}

// GetSideCappedPnl is GetPnl capped by the side's pool USD and the factor
// family t.
func GetSideCappedPnl(ctx context.Context, ds domain.DataStore, m Props, prices Prices, t PnlFactorType, isLong, maximize bool) (pnl, capped, poolUsd *big.Int, err error) {
	pnl, err = GetPnl(ctx, ds, m, prices.IndexTokenPrice, isLong, maximize)
	if err != nil {
		return nil, nil, nil, err
	}
	poolUsd, err = PoolUsdWithoutPnl(ctx, ds, m, prices, isLong, !maximize)
	if err != nil {
		return nil, nil, nil, err
	}
	factor, err := MaxPnlFactor(ctx, ds, t, m.MarketToken, isLong)
	if err != nil {
		return nil, nil, nil, err
	}
	return pnl, GetCappedPnl(pnl, poolUsd, factor), poolUsd, nil
}

// GetPnlToPoolFactor is the side's uncapped pnl as a factor of its pool USD.
// An empty pool yields zero.
func GetPnlToPoolFactor(ctx context.Context, ds domain.DataStore, m Props, prices Prices, isLong, maximize bool) (*big.Int, error) {
	poolUsd, err := PoolUsdWithoutPnl(ctx, ds, m, prices, isLong, !maximize)
	if err != nil {
		return nil, err
	}
	if poolUsd.Sign() == 0 {
		return new(big.Int), nil
	}
	pnl, err := GetPnl(ctx, ds, m, prices.IndexTokenPrice, isLong, maximize)
	if err != nil {
		return nil, err
	}
	return fixed.ToFactor(pnl, poolUsd), nil
}
