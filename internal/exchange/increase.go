package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/fixed"
	"github.com/alanyoungcy/perpcore/internal/market"
	"github.com/alanyoungcy/perpcore/internal/oracle"
	"github.com/alanyoungcy/perpcore/internal/position"
)

// IncreaseParams describes a position increase. CollateralAmount has already
// been swapped into CollateralToken.
type IncreaseParams struct {
	Market           market.Props
	PriceSet         *oracle.PriceSet
	Account          common.Address
	CollateralToken  common.Address
	CollateralAmount *big.Int
	SizeDeltaUsd     *big.Int
	AcceptablePrice  *big.Int
	IsLong           bool
	Meta             EventMeta
}

// PositionResult is the outcome of a position change.
type PositionResult struct {
	Position   domain.Position
	Settlement Settlement
	Events     []domain.Event
}

// IncreasePosition opens or grows a position. Fees are taken from the added
// collateral into the pool; the new size is bought at the index price that is
// worst for the trader.
func IncreasePosition(ctx context.Context, ds domain.DataStore, p IncreaseParams) (PositionResult, error) {
	m := p.Market
	if !m.IsCollateral(p.CollateralToken) {
		return PositionResult{}, fmt.Errorf("exchange: collateral %s not in market %s: %w",
			p.CollateralToken.Hex(), m.MarketToken.Hex(), domain.ErrInvalidOrder)
	}
	prices, err := market.PricesFromSet(p.PriceSet, m)
	if err != nil {
		return PositionResult{}, err
	}

	executionPrice := prices.IndexTokenPrice.PickPrice(p.IsLong)
	if !acceptableForIncrease(executionPrice, p.AcceptablePrice, p.IsLong) {
		return PositionResult{}, fmt.Errorf("exchange: execution price %s, acceptable %s: %w",
			executionPrice, p.AcceptablePrice, domain.ErrOrderPriceUnacceptable)
	}

	cum, err := market.UpdateCumulativeBorrowingFactor(ctx, ds, m, prices, p.IsLong, p.PriceSet.Time())
	if err != nil {
		return PositionResult{}, err
	}

	positions := position.NewStore(ds)
	key := position.Key(p.Account, m.MarketToken, p.CollateralToken, p.IsLong)
	pos, err := positions.Get(ctx, key)
	switch {
	case errors.Is(err, domain.ErrPositionNotFound):
		pos = domain.Position{
			Account:          p.Account,
			Market:           m.MarketToken,
			CollateralToken:  p.CollateralToken,
			IsLong:           p.IsLong,
			SizeInUsd:        new(big.Int),
			SizeInTokens:     new(big.Int),
			CollateralAmount: new(big.Int),
			BorrowingFactor:  fixed.Copy(cum),
		}
	case err != nil:
		return PositionResult{}, err
	}

	var sizeDeltaInTokens *big.Int
	if p.IsLong {
		sizeDeltaInTokens = fixed.MulDiv(p.SizeDeltaUsd, big.NewInt(1), executionPrice)
	} else {
		sizeDeltaInTokens = fixed.MulDivRoundUp(p.SizeDeltaUsd, big.NewInt(1), executionPrice)
	}
	if p.SizeDeltaUsd.Sign() > 0 && sizeDeltaInTokens.Sign() == 0 {
		return PositionResult{}, fmt.Errorf("exchange: %s at %s: %w",
			fixed.FormatUSD(p.SizeDeltaUsd), executionPrice, domain.ErrEmptySizeDeltaInTokens)
	}

	collateralPrice, _ := prices.TokenPrice(m, p.CollateralToken)
	fees, err := position.GetPositionFees(ctx, ds, m, pos, collateralPrice, p.SizeDeltaUsd, cum)
	if err != nil {
		return PositionResult{}, err
	}
	collateral := fixed.Add(pos.CollateralAmount, p.CollateralAmount)
	collateral.Sub(collateral, fees.TotalCostAmount)
	if collateral.Sign() < 0 {
		return PositionResult{}, fmt.Errorf("exchange: fees exceed collateral: %w", domain.ErrInsufficientCollateral)
	}
	if _, err := market.ApplyDeltaToPoolAmount(ctx, ds, m, p.CollateralToken, fees.TotalCostAmount); err != nil {
		return PositionResult{}, err
	}

	prevSize, prevFactor := fixed.Copy(pos.SizeInUsd), fixed.Copy(pos.BorrowingFactor)
	pos.SizeInUsd = fixed.Add(pos.SizeInUsd, p.SizeDeltaUsd)
	pos.SizeInTokens = fixed.Add(pos.SizeInTokens, sizeDeltaInTokens)
	pos.CollateralAmount = collateral
	pos.BorrowingFactor = fixed.Copy(cum)
	pos.IncreasedAtBlock = p.Meta.Block

	if err := market.UpdateTotalBorrowing(ctx, ds, m, p.IsLong, prevSize, prevFactor, pos.SizeInUsd, pos.BorrowingFactor); err != nil {
		return PositionResult{}, err
	}
	if err := market.ApplyDeltaToOpenInterest(ctx, ds, m, p.CollateralToken, p.IsLong, p.SizeDeltaUsd, sizeDeltaInTokens); err != nil {
		return PositionResult{}, err
	}
	if err := market.ValidateReserve(ctx, ds, m, prices, p.IsLong); err != nil {
		return PositionResult{}, err
	}
	if err := position.Validate(ctx, ds, m, prices, pos); err != nil {
		return PositionResult{}, err
	}
	if err := positions.Set(ctx, pos); err != nil {
		return PositionResult{}, err
	}

	ev := p.Meta.event(domain.EventPositionIncrease, m.MarketToken)
	ev.SizeDeltaUsd = fixed.Copy(p.SizeDeltaUsd)
	ev.Values = values(
		"collateral_token", p.CollateralToken,
		"collateral_delta_amount", p.CollateralAmount,
		"size_in_usd", pos.SizeInUsd,
		"size_in_tokens", pos.SizeInTokens,
		"execution_price", executionPrice,
		"fees_usd", fees.TotalUsd(),
	)
	return PositionResult{
		Position: pos,
		Settlement: Settlement{
			ExecutionPrice: executionPrice,
			SizeDeltaUsd:   fixed.Copy(p.SizeDeltaUsd),
			FeesUsd:        fees.TotalUsd(),
		},
		Events: []domain.Event{ev},
	}, nil
}

func acceptableForIncrease(price, acceptable *big.Int, isLong bool) bool {
	if acceptable == nil {
		return !isLong
	}
	if isLong {
		return price.Cmp(acceptable) <= 0
	}
	return price.Cmp(acceptable) >= 0
}

func acceptableForDecrease(price, acceptable *big.Int, isLong bool) bool {
	if acceptable == nil {
		return isLong
	}
	if isLong {
		return price.Cmp(acceptable) >= 0
	}
	return price.Cmp(acceptable) <= 0
}

// UnboundedAcceptablePrice is the acceptable price that admits any execution
// price: zero for long decreases and short increases, MaxUint256 otherwise.
func UnboundedAcceptablePrice(isLong, isIncrease bool) *big.Int {
	if isLong != isIncrease {
		return new(big.Int)
	}
	return fixed.Copy(fixed.MaxUint256)
}
