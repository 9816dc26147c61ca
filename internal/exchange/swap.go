package exchange

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/fixed"
	"github.com/alanyoungcy/perpcore/internal/keys"
	"github.com/alanyoungcy/perpcore/internal/market"
	"github.com/alanyoungcy/perpcore/internal/oracle"
)

// SwapParams describes a swap through a path of markets.
type SwapParams struct {
	PriceSet        *oracle.PriceSet
	TokenIn         common.Address
	AmountIn        *big.Int
	Path            []common.Address
	MinOutputAmount *big.Int
	// Meta is copied into every emitted Swap event.
	Meta EventMeta
}

// SwapResult is the final token and amount after the last hop.
type SwapResult struct {
	TokenOut  common.Address
	AmountOut *big.Int
	Events    []domain.Event
}

// ValidateSwapPath checks a path's length against MAX_SWAP_PATH_LENGTH and
// rejects repeated or unknown markets. An unset maximum does not limit the
// path.
func ValidateSwapPath(ctx context.Context, ds domain.DataStore, path []common.Address) error {
	maxLen, err := ds.GetUint(ctx, keys.MaxSwapPathLength)
	if err != nil {
		return fmt.Errorf("exchange: max swap path length: %w", err)
	}
	if maxLen.Sign() > 0 && int64(len(path)) > maxLen.Int64() {
		return fmt.Errorf("exchange: path of %d markets: %w", len(path), domain.ErrMaxSwapPathLength)
	}
	seen := make(map[common.Address]struct{}, len(path))
	for _, addr := range path {
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("exchange: market %s repeated: %w", addr.Hex(), domain.ErrInvalidSwapPath)
		}
		seen[addr] = struct{}{}
		if _, err := market.GetMarket(ctx, ds, addr); err != nil {
			return fmt.Errorf("exchange: swap path: %w", err)
		}
	}
	return nil
}

// SwapTokens swaps along p.Path at oracle prices. Each hop takes the swap fee
// into the pool and pays out
//
//	amountOut = (amountIn - fee) × priceIn.min / priceOut.max
//
// from the pool of the other token. An empty path returns the input.
func SwapTokens(ctx context.Context, ds domain.DataStore, p SwapParams) (SwapResult, error) {
	res := SwapResult{TokenOut: p.TokenIn, AmountOut: fixed.Copy(p.AmountIn)}
	if err := ValidateSwapPath(ctx, ds, p.Path); err != nil {
		return SwapResult{}, err
	}
	for _, addr := range p.Path {
		m, err := market.GetEnabledMarket(ctx, ds, addr)
		if err != nil {
			return SwapResult{}, err
		}
		out, amount, ev, err := swapInMarket(ctx, ds, p.PriceSet, m, res.TokenOut, res.AmountOut, p.Meta)
		if err != nil {
			return SwapResult{}, err
		}
		res.TokenOut, res.AmountOut = out, amount
		res.Events = append(res.Events, ev)
	}
	if p.MinOutputAmount != nil && res.AmountOut.Cmp(p.MinOutputAmount) < 0 {
		return SwapResult{}, fmt.Errorf("exchange: output %s below %s: %w", res.AmountOut, p.MinOutputAmount, domain.ErrInsufficientOutput)
	}
	return res, nil
}

func swapInMarket(ctx context.Context, ds domain.DataStore, set *oracle.PriceSet, m market.Props, tokenIn common.Address, amountIn *big.Int, meta EventMeta) (common.Address, *big.Int, domain.Event, error) {
	if m.IsSingleToken() || !m.IsCollateral(tokenIn) {
		return common.Address{}, nil, domain.Event{}, fmt.Errorf("exchange: %s cannot swap %s: %w", m.MarketToken.Hex(), tokenIn.Hex(), domain.ErrInvalidSwapPath)
	}
	tokenOut := m.LongToken
	if tokenIn == m.LongToken {
		tokenOut = m.ShortToken
	}
	priceIn, err := set.Get(tokenIn)
	if err != nil {
		return common.Address{}, nil, domain.Event{}, err
	}
	priceOut, err := set.Get(tokenOut)
	if err != nil {
		return common.Address{}, nil, domain.Event{}, err
	}

	feeFactor, err := ds.GetUint(ctx, keys.SwapFeeFactorKey(m.MarketToken))
	if err != nil {
		return common.Address{}, nil, domain.Event{}, fmt.Errorf("exchange: swap fee: %w", err)
	}
	fee := fixed.ApplyFactor(amountIn, feeFactor)
	net := fixed.Sub(amountIn, fee)
	amountOut := fixed.MulDiv(net, priceIn.Min, priceOut.Max)

	// debit first: a failed debit leaves the pool untouched
	if _, err := market.ApplyDeltaToPoolAmount(ctx, ds, m, tokenOut, fixed.Neg(amountOut)); err != nil {
		return common.Address{}, nil, domain.Event{}, err
	}
	if _, err := market.ApplyDeltaToPoolAmount(ctx, ds, m, tokenIn, amountIn); err != nil {
		return common.Address{}, nil, domain.Event{}, err
	}

	ev := meta.event(domain.EventSwap, m.MarketToken)
	ev.Prices = []domain.TokenPrice{
		{Token: tokenIn, Min: priceIn.Min, Max: priceIn.Max},
		{Token: tokenOut, Min: priceOut.Min, Max: priceOut.Max},
	}
	ev.Values = map[string]string{
		"token_in":   tokenIn.Hex(),
		"token_out":  tokenOut.Hex(),
		"amount_in":  amountIn.String(),
		"amount_out": amountOut.String(),
		"fee_amount": fee.String(),
	}
	return tokenOut, amountOut, ev, nil
}
