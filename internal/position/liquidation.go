package position

import (
	"context"
	"fmt"
	"math/big"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/fixed"
	"github.com/alanyoungcy/perpcore/internal/keys"
	"github.com/alanyoungcy/perpcore/internal/market"
)

// Health describes how close a position is to liquidation.
type Health struct {
	CollateralUsd          *big.Int `json:"collateral_usd"`
	PnlUsd                 *big.Int `json:"pnl_usd"`
	FeesUsd                *big.Int `json:"fees_usd"`
	RemainingCollateralUsd *big.Int `json:"remaining_collateral_usd"`
	MinCollateralUsd       *big.Int `json:"min_collateral_usd"`
}

// Liquidatable reports remaining ≤ minimum.
func (h Health) Liquidatable() bool {
	return h.RemainingCollateralUsd.Cmp(h.MinCollateralUsd) <= 0
}

// GetHealth computes the collateral left if pos were closed in full now,
// closing fee included, and the minimum it must keep:
// max(MIN_COLLATERAL_USD, size × minCollateralFactor).
func GetHealth(ctx context.Context, ds domain.DataStore, m market.Props, prices market.Prices, pos domain.Position) (Health, error) {
	collateralPrice, ok := prices.TokenPrice(m, pos.CollateralToken)
	if !ok {
		return Health{}, fmt.Errorf("position: collateral %s: %w", pos.CollateralToken.Hex(), domain.ErrMissingTokenPrice)
	}
	pnl, err := GetPositionPnlUsd(ctx, ds, m, prices, pos, pos.SizeInUsd)
	if err != nil {
		return Health{}, err
	}
	cum, err := market.CumulativeBorrowingFactor(ctx, ds, m, pos.IsLong)
	if err != nil {
		return Health{}, fmt.Errorf("position: borrowing: %w", err)
	}
	fees, err := GetPositionFees(ctx, ds, m, pos, collateralPrice, pos.SizeInUsd, cum)
	if err != nil {
		return Health{}, err
	}

	h := Health{
		CollateralUsd: new(big.Int).Mul(pos.CollateralAmount, collateralPrice.Min),
		PnlUsd:        pnl.PnlUsd,
		FeesUsd:       fees.TotalUsd(),
	}
	h.RemainingCollateralUsd = fixed.Sub(fixed.Add(h.CollateralUsd, h.PnlUsd), h.FeesUsd)

	minUsd, err := ds.GetUint(ctx, keys.MinCollateralUsd)
	if err != nil {
		return Health{}, fmt.Errorf("position: min collateral usd: %w", err)
	}
	factor, err := ds.GetUint(ctx, keys.MinCollateralFactorKey(m.MarketToken))
	if err != nil {
		return Health{}, fmt.Errorf("position: min collateral factor: %w", err)
	}
	h.MinCollateralUsd = fixed.Max(minUsd, fixed.ApplyFactor(pos.SizeInUsd, factor))
	return h, nil
}

// IsLiquidatable reports whether pos's remaining collateral is at or below
// its minimum.
func IsLiquidatable(ctx context.Context, ds domain.DataStore, m market.Props, prices market.Prices, pos domain.Position) (bool, Health, error) {
	h, err := GetHealth(ctx, ds, m, prices, pos)
	if err != nil {
		return false, Health{}, err
	}
	return h.Liquidatable(), h, nil
}

// Validate checks a position left open after an increase or decrease: it
// must meet the minimum size and must not be liquidatable.
func Validate(ctx context.Context, ds domain.DataStore, m market.Props, prices market.Prices, pos domain.Position) error {
	minSize, err := ds.GetUint(ctx, keys.MinPositionSizeUsd)
	if err != nil {
		return fmt.Errorf("position: min size: %w", err)
	}
	if pos.SizeInUsd.Cmp(minSize) < 0 {
		return fmt.Errorf("position: size %s below %s: %w",
			fixed.FormatUSD(pos.SizeInUsd), fixed.FormatUSD(minSize), domain.ErrMinPositionSize)
	}
	liquidatable, h, err := IsLiquidatable(ctx, ds, m, prices, pos)
	if err != nil {
		return err
	}
	if liquidatable {
		return fmt.Errorf("position: remaining collateral %s, minimum %s: %w",
			fixed.FormatUSD(h.RemainingCollateralUsd), fixed.FormatUSD(h.MinCollateralUsd), domain.ErrInsufficientCollateral)
	}
	return nil
}
