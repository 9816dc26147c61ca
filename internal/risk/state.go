// Package risk decides when a market side is auto-deleveraged and when a
// position may be liquidated. It owns the per-side ADL state and drives both
// forced closes through the exchange's decrease path.
package risk

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/keys"
	"github.com/alanyoungcy/perpcore/internal/market"
)

// StateKey addresses one side of a market.
type StateKey struct {
	Market common.Address `json:"market"`
	IsLong bool           `json:"is_long"`
}

func (k StateKey) side() string {
	if k.IsLong {
		return "long"
	}
	return "short"
}

// MarketRiskState is the ADL state of one market side. An unset state reads
// as disabled.
type MarketRiskState struct {
	IsAdlEnabled   bool   `json:"is_adl_enabled"`
	LatestAdlBlock uint64 `json:"latest_adl_block"`
}

// LoadState reads the ADL state of k.
func LoadState(ctx context.Context, ds domain.DataStore, k StateKey) (MarketRiskState, error) {
	enabled, err := ds.GetBool(ctx, keys.IsAdlEnabledKey(k.Market, k.IsLong))
	if err != nil {
		return MarketRiskState{}, fmt.Errorf("risk: adl enabled: %w", err)
	}
	block, err := ds.GetUint(ctx, keys.LatestAdlBlockKey(k.Market, k.IsLong))
	if err != nil {
		return MarketRiskState{}, fmt.Errorf("risk: latest adl block: %w", err)
	}
	return MarketRiskState{IsAdlEnabled: enabled, LatestAdlBlock: block.Uint64()}, nil
}

func storeState(ctx context.Context, ds domain.DataStore, k StateKey, s MarketRiskState) error {
	if err := ds.SetBool(ctx, keys.IsAdlEnabledKey(k.Market, k.IsLong), s.IsAdlEnabled); err != nil {
		return fmt.Errorf("risk: adl enabled: %w", err)
	}
	if err := ds.SetUint(ctx, keys.LatestAdlBlockKey(k.Market, k.IsLong), new(big.Int).SetUint64(s.LatestAdlBlock)); err != nil {
		return fmt.Errorf("risk: latest adl block: %w", err)
	}
	return nil
}

// Params are the ADL thresholds of one market side, read once per call.
type Params struct {
	// MaxPnlFactorForAdl enables ADL when the side's pnl factor exceeds it.
	MaxPnlFactorForAdl *big.Int `json:"max_pnl_factor_for_adl"`
	// MinPnlFactorAfterAdl disables ADL at or below it, and bounds how far
	// one ADL execution may push the factor down.
	MinPnlFactorAfterAdl *big.Int `json:"min_pnl_factor_after_adl"`
}

// LoadParams reads the thresholds for (market, isLong).
func LoadParams(ctx context.Context, ds domain.DataStore, mkt common.Address, isLong bool) (Params, error) {
	maxFactor, err := market.MaxPnlFactor(ctx, ds, market.PnlFactorForAdl, mkt, isLong)
	if err != nil {
		return Params{}, err
	}
	minFactor, err := ds.GetUint(ctx, keys.MinPnlFactorAfterAdlKey(mkt, isLong))
	if err != nil {
		return Params{}, fmt.Errorf("risk: min pnl factor after adl: %w", err)
	}
	return Params{MaxPnlFactorForAdl: maxFactor, MinPnlFactorAfterAdl: minFactor}, nil
}

// StoreParams writes the thresholds for (market, isLong).
func StoreParams(ctx context.Context, ds domain.DataStore, mkt common.Address, isLong bool, p Params) error {
	if p.MaxPnlFactorForAdl != nil {
		if err := market.SetMaxPnlFactor(ctx, ds, market.PnlFactorForAdl, mkt, isLong, p.MaxPnlFactorForAdl); err != nil {
			return err
		}
	}
	if p.MinPnlFactorAfterAdl != nil {
		if err := ds.SetUint(ctx, keys.MinPnlFactorAfterAdlKey(mkt, isLong), p.MinPnlFactorAfterAdl); err != nil {
			return fmt.Errorf("risk: min pnl factor after adl: %w", err)
		}
	}
	return nil
}
