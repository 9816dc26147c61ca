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

// PnlResult is the realizable pnl of closing sizeDeltaUsd of a position.
type PnlResult struct {
	// PnlUsd is prorated to the size delta; positive values are scaled down
	// when the side's pool pnl exceeds the traders cap.
	PnlUsd            *big.Int
	UncappedPnlUsd    *big.Int
	SizeDeltaInTokens *big.Int
	ExecutionPrice    *big.Int
}

// GetPositionPnlUsd values pos at the index price that is worst for the
// trader and returns the share realized by closing sizeDeltaUsd.
func GetPositionPnlUsd(ctx context.Context, ds domain.DataStore, m market.Props, prices market.Prices, pos domain.Position, sizeDeltaUsd *big.Int) (PnlResult, error) {
	if pos.IsEmpty() || pos.SizeInTokens == nil || pos.SizeInTokens.Sign() == 0 {
		return PnlResult{}, fmt.Errorf("position: pnl: %w", domain.ErrEmptyPosition)
	}
	price := prices.IndexTokenPrice.PickPriceForPnl(pos.IsLong, false)
	value := new(big.Int).Mul(pos.SizeInTokens, price)

	total := fixed.Sub(value, pos.SizeInUsd)
	if !pos.IsLong {
		total.Neg(total)
	}
	uncapped := fixed.Copy(total)

	if total.Sign() > 0 {
		poolPnl, cappedPoolPnl, _, err := market.GetSideCappedPnl(ctx, ds, m, prices, market.PnlFactorForTraders, pos.IsLong, true)
		if err != nil {
			return PnlResult{}, err
		}
		if poolPnl.Sign() > 0 && cappedPoolPnl.Sign() > 0 && cappedPoolPnl.Cmp(poolPnl) != 0 {
			total = fixed.MulDiv(total, cappedPoolPnl, poolPnl)
		}
	}

	var sizeDeltaInTokens *big.Int
	switch {
	case sizeDeltaUsd.Cmp(pos.SizeInUsd) == 0:
		sizeDeltaInTokens = fixed.Copy(pos.SizeInTokens)
	case pos.IsLong:
		sizeDeltaInTokens = fixed.MulDivRoundUp(pos.SizeInTokens, sizeDeltaUsd, pos.SizeInUsd)
	default:
		sizeDeltaInTokens = fixed.MulDiv(pos.SizeInTokens, sizeDeltaUsd, pos.SizeInUsd)
	}

	return PnlResult{
		PnlUsd:            fixed.MulDiv(total, sizeDeltaInTokens, pos.SizeInTokens),
		UncappedPnlUsd:    fixed.MulDiv(uncapped, sizeDeltaInTokens, pos.SizeInTokens),
		SizeDeltaInTokens: sizeDeltaInTokens,
		ExecutionPrice:    price,
	}, nil
}

// Fees are the costs charged on a position change, in USD and in collateral
// token units.
type Fees struct {
	PositionFeeUsd     *big.Int `json:"position_fee_usd"`
	BorrowingFeeUsd    *big.Int `json:"borrowing_fee_usd"`
	PositionFeeAmount  *big.Int `json:"position_fee_amount"`
	BorrowingFeeAmount *big.Int `json:"borrowing_fee_amount"`
	TotalCostAmount    *big.Int `json:"total_cost_amount"`
}

// TotalUsd returns the fees in USD.
func (f Fees) TotalUsd() *big.Int {
	return fixed.Add(f.PositionFeeUsd, f.BorrowingFeeUsd)
}

// GetPositionFees computes the position fee on sizeDeltaUsd and the borrowing
// fee accrued since pos last settled against cumulativeBorrowingFactor.
func GetPositionFees(ctx context.Context, ds domain.DataStore, m market.Props, pos domain.Position, collateralPrice domain.Price, sizeDeltaUsd, cumulativeBorrowingFactor *big.Int) (Fees, error) {
	feeFactor, err := ds.GetUint(ctx, keys.PositionFeeFactorKey(m.MarketToken))
	if err != nil {
		return Fees{}, fmt.Errorf("position: fee factor: %w", err)
	}
	f := Fees{
		PositionFeeUsd:  fixed.ApplyFactor(sizeDeltaUsd, feeFactor),
		BorrowingFeeUsd: new(big.Int),
	}
	if pos.SizeInUsd != nil && pos.BorrowingFactor != nil && cumulativeBorrowingFactor.Cmp(pos.BorrowingFactor) > 0 {
		f.BorrowingFeeUsd = fixed.ApplyFactor(pos.SizeInUsd, fixed.Sub(cumulativeBorrowingFactor, pos.BorrowingFactor))
	}
	f.PositionFeeAmount = fixed.MulDivRoundUp(f.PositionFeeUsd, big.NewInt(1), collateralPrice.Min)
	f.BorrowingFeeAmount = fixed.MulDivRoundUp(f.BorrowingFeeUsd, big.NewInt(1), collateralPrice.Min)
	f.TotalCostAmount = fixed.Add(f.PositionFeeAmount, f.BorrowingFeeAmount)
	return f, nil
}
