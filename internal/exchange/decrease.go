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

// DecreaseParams describes a position decrease.
type DecreaseParams struct {
	Market          market.Props
	PriceSet        *oracle.PriceSet
	Account         common.Address
	Receiver        common.Address
	CollateralToken common.Address
	IsLong          bool
	SizeDeltaUsd    *big.Int
	// CollateralDeltaAmount is withdrawn from a position that stays open.
	CollateralDeltaAmount *big.Int
	AcceptablePrice       *big.Int
	SwapType              domain.DecreasePositionSwapType
	MinOutputAmount       *big.Int
	// ClampSize caps SizeDeltaUsd at the position size instead of failing.
	ClampSize bool
	// Liquidation closes without validating what is left and emits
	// PositionLiquidated.
	Liquidation bool
	Meta        EventMeta
}

// DecreasePosition shrinks or closes a position. Profit is paid out of the
// pool in the side's pnl token; losses and fees move from the collateral into
// the pool, and whatever the collateral cannot cover is reported as a
// deficit.
func DecreasePosition(ctx context.Context, ds domain.DataStore, p DecreaseParams) (PositionResult, error) {
	m := p.Market
	prices, err := market.PricesFromSet(p.PriceSet, m)
	if err != nil {
		return PositionResult{}, err
	}
	positions := position.NewStore(ds)
	key := position.Key(p.Account, m.MarketToken, p.CollateralToken, p.IsLong)
	pos, err := positions.Get(ctx, key)
	if err != nil {
		return PositionResult{}, err
	}

	sizeDelta := fixed.Copy(p.SizeDeltaUsd)
	if sizeDelta.Cmp(pos.SizeInUsd) > 0 {
		if !p.ClampSize {
			return PositionResult{}, fmt.Errorf("exchange: decrease %s of %s: %w",
				fixed.FormatUSD(sizeDelta), fixed.FormatUSD(pos.SizeInUsd), domain.ErrInvalidDecreaseSize)
		}
		sizeDelta = fixed.Copy(pos.SizeInUsd)
	}
	collateralDelta := fixed.Copy(p.CollateralDeltaAmount)
	if sizeDelta.Sign() == 0 && collateralDelta.Sign() == 0 {
		return PositionResult{}, fmt.Errorf("exchange: empty decrease: %w", domain.ErrInvalidDecreaseSize)
	}

	cum, err := market.UpdateCumulativeBorrowingFactor(ctx, ds, m, prices, pos.IsLong, p.PriceSet.Time())
	if err != nil {
		return PositionResult{}, err
	}
	pnl, err := position.GetPositionPnlUsd(ctx, ds, m, prices, pos, sizeDelta)
	if err != nil {
		return PositionResult{}, err
	}
	if !acceptableForDecrease(pnl.ExecutionPrice, p.AcceptablePrice, pos.IsLong) {
		return PositionResult{}, fmt.Errorf("exchange: execution price %s, acceptable %s: %w",
			pnl.ExecutionPrice, p.AcceptablePrice, domain.ErrOrderPriceUnacceptable)
	}

	collateralPrice, ok := prices.TokenPrice(m, pos.CollateralToken)
	if !ok {
		return PositionResult{}, fmt.Errorf("exchange: collateral %s: %w", pos.CollateralToken.Hex(), domain.ErrMissingTokenPrice)
	}
	fees, err := position.GetPositionFees(ctx, ds, m, pos, collateralPrice, sizeDelta, cum)
	if err != nil {
		return PositionResult{}, err
	}

	pnlToken := m.CollateralToken(pos.IsLong)
	remaining := fixed.Copy(pos.CollateralAmount)
	output := new(big.Int)    // collateral token
	secondary := new(big.Int) // pnl token, when it differs from the collateral
	toPool := new(big.Int)
	deficitUsd := new(big.Int)

	switch pnl.PnlUsd.Sign() {
	case 1:
		pnlPrice, _ := prices.TokenPrice(m, pnlToken)
		amount := fixed.MulDiv(pnl.PnlUsd, big.NewInt(1), pnlPrice.Max)
		if _, err := market.ApplyDeltaToPoolAmount(ctx, ds, m, pnlToken, fixed.Neg(amount)); err != nil {
			return PositionResult{}, err
		}
		if pnlToken == pos.CollateralToken {
			output.Add(output, amount)
		} else {
			secondary.Add(secondary, amount)
		}
	case -1:
		loss := fixed.MulDivRoundUp(fixed.Neg(pnl.PnlUsd), big.NewInt(1), collateralPrice.Min)
		take := fixed.Min(loss, remaining)
		remaining.Sub(remaining, take)
		toPool.Add(toPool, take)
		if short := fixed.Sub(loss, take); short.Sign() > 0 {
			deficitUsd.Add(deficitUsd, short.Mul(short, collateralPrice.Min))
		}
	}

	feeLeft := fixed.Copy(fees.TotalCostAmount)
	for _, src := range []*big.Int{output, remaining} {
		take := fixed.Min(feeLeft, src)
		src.Sub(src, take)
		feeLeft.Sub(feeLeft, take)
		toPool.Add(toPool, take)
	}
	if feeLeft.Sign() > 0 {
		deficitUsd.Add(deficitUsd, feeLeft.Mul(feeLeft, collateralPrice.Min))
	}
	if toPool.Sign() > 0 {
		if _, err := market.ApplyDeltaToPoolAmount(ctx, ds, m, pos.CollateralToken, toPool); err != nil {
			return PositionResult{}, err
		}
	}

	nextSize := fixed.Sub(pos.SizeInUsd, sizeDelta)
	closed := nextSize.Sign() == 0
	if closed {
		output.Add(output, remaining)
		remaining.SetInt64(0)
	} else {
		if collateralDelta.Cmp(remaining) > 0 {
			return PositionResult{}, fmt.Errorf("exchange: withdraw %s of %s collateral: %w",
				collateralDelta, remaining, domain.ErrInsufficientCollateral)
		}
		remaining.Sub(remaining, collateralDelta)
		output.Add(output, collateralDelta)
	}

	if err := market.ApplyDeltaToOpenInterest(ctx, ds, m, pos.CollateralToken, pos.IsLong, fixed.Neg(sizeDelta), fixed.Neg(pnl.SizeDeltaInTokens)); err != nil {
		return PositionResult{}, err
	}
	if err := market.UpdateTotalBorrowing(ctx, ds, m, pos.IsLong, pos.SizeInUsd, pos.BorrowingFactor, nextSize, cum); err != nil {
		return PositionResult{}, err
	}

	next := pos
	next.SizeInUsd = nextSize
	next.SizeInTokens = fixed.Sub(pos.SizeInTokens, pnl.SizeDeltaInTokens)
	next.CollateralAmount = remaining
	next.BorrowingFactor = fixed.Copy(cum)
	next.DecreasedAtBlock = p.Meta.Block
	if closed {
		if err := positions.Remove(ctx, key, pos.Account); err != nil {
			return PositionResult{}, err
		}
	} else {
		if !p.Liquidation {
			if err := position.Validate(ctx, ds, m, prices, next); err != nil {
				return PositionResult{}, err
			}
		}
		if err := positions.Set(ctx, next); err != nil {
			return PositionResult{}, err
		}
	}

	var events []domain.Event
	if pnlToken != pos.CollateralToken {
		switch p.SwapType {
		case domain.DecreasePositionSwapTypeSwapPnlTokenToCollateralToken:
			if out, ev, ok, err := swapOutput(ctx, ds, p.PriceSet, m, pnlToken, secondary, p.Meta); err != nil {
				return PositionResult{}, err
			} else if ok {
				output.Add(output, out)
				secondary.SetInt64(0)
				events = append(events, ev)
			}
		case domain.DecreasePositionSwapTypeSwapCollateralTokenToPnlToken:
			if out, ev, ok, err := swapOutput(ctx, ds, p.PriceSet, m, pos.CollateralToken, output, p.Meta); err != nil {
				return PositionResult{}, err
			} else if ok {
				secondary.Add(secondary, out)
				output.SetInt64(0)
				events = append(events, ev)
			}
		}
	}

	if p.MinOutputAmount != nil && p.MinOutputAmount.Sign() > 0 {
		got := output
		if p.SwapType == domain.DecreasePositionSwapTypeSwapCollateralTokenToPnlToken && pnlToken != pos.CollateralToken {
			got = secondary
		}
		if got.Cmp(p.MinOutputAmount) < 0 {
			return PositionResult{}, fmt.Errorf("exchange: output %s below %s: %w", got, p.MinOutputAmount, domain.ErrInsufficientOutput)
		}
	}

	receiver := p.Receiver
	if receiver == (common.Address{}) {
		receiver = pos.Account
	}
	st := Settlement{
		ExecutionPrice: pnl.ExecutionPrice,
		SizeDeltaUsd:   sizeDelta,
		PnlUsd:         pnl.PnlUsd,
		FeesUsd:        fees.TotalUsd(),
		DeficitUsd:     deficitUsd,
	}
	st.pay(pos.CollateralToken, receiver, output)
	st.pay(pnlToken, receiver, secondary)

	name := domain.EventPositionDecrease
	if p.Liquidation {
		name = domain.EventPositionLiquidated
	}
	ev := p.Meta.event(name, m.MarketToken)
	ev.IsLong = pos.IsLong
	ev.Account = pos.Account
	ev.SizeDeltaUsd = fixed.Copy(sizeDelta)
	ev.Values = values(
		"collateral_token", pos.CollateralToken,
		"size_in_usd", next.SizeInUsd,
		"collateral_amount", next.CollateralAmount,
		"execution_price", pnl.ExecutionPrice,
		"pnl_usd", pnl.PnlUsd,
		"uncapped_pnl_usd", pnl.UncappedPnlUsd,
		"fees_usd", fees.TotalUsd(),
		"deficit_usd", deficitUsd,
		"output_amount", output,
		"secondary_output_amount", secondary,
	)
	events = append([]domain.Event{ev}, events...)

	return PositionResult{Position: next, Settlement: st, Events: events}, nil
}

// swapOutput swaps decrease output within the market. A pool that cannot pay
// the swap leaves the output unswapped.
func swapOutput(ctx context.Context, ds domain.DataStore, set *oracle.PriceSet, m market.Props, tokenIn common.Address, amount *big.Int, meta EventMeta) (*big.Int, domain.Event, bool, error) {
	if amount.Sign() == 0 {
		return nil, domain.Event{}, false, nil
	}
	_, out, ev, err := swapInMarket(ctx, ds, set, m, tokenIn, amount, meta)
	if errors.Is(err, domain.ErrInsufficientPoolAmount) {
		return nil, domain.Event{}, false, nil
	}
	if err != nil {
		return nil, domain.Event{}, false, err
	}
	return out, ev, true, nil
}
