package market

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/fixed"
	"github.com/alanyoungcy/perpcore/internal/keys"
)

var two = big.NewInt(2)

// PoolAmount returns the amount of token backing the market. A single-token
// market stores its pool once and reports half of it to each side.
func PoolAmount(ctx context.Context, ds domain.DataStore, m Props, token common.Address) (*big.Int, error) {
	amount, err := ds.GetUint(ctx, keys.PoolAmountKey(m.MarketToken, token))
	if err != nil {
		return nil, fmt.Errorf("market: pool amount: %w", err)
	}
	if m.IsSingleToken() {
		amount.Quo(amount, two)
	}
	return amount, nil
}

// TotalPoolAmount returns the raw stored amount of token, undivided.
func TotalPoolAmount(ctx context.Context, ds domain.DataStore, m Props, token common.Address) (*big.Int, error) {
	return ds.GetUint(ctx, keys.PoolAmountKey(m.MarketToken, token))
}

// ApplyDeltaToPoolAmount adjusts the stored pool amount of token. Draining
// more than the pool holds fails with ErrInsufficientPoolAmount.
func ApplyDeltaToPoolAmount(ctx context.Context, ds domain.DataStore, m Props, token common.Address, delta *big.Int) (*big.Int, error) {
	if !m.IsCollateral(token) {
		return nil, fmt.Errorf("market: %s is not a pool token of %s: %w", token.Hex(), m.MarketToken.Hex(), domain.ErrInvalidSwapPath)
	}
	next, err := ds.ApplyDeltaToUint(ctx, keys.PoolAmountKey(m.MarketToken, token), delta)
	if errors.Is(err, domain.ErrNegativeValue) {
		return nil, fmt.Errorf("market: pool %s: %w", token.Hex(), domain.ErrInsufficientPoolAmount)
	}
	if err != nil {
		return nil, fmt.Errorf("market: pool amount: %w", err)
	}
	return next, nil
}

// PoolUsdWithoutPnl is the side's pool amount valued at its token price.
func PoolUsdWithoutPnl(ctx context.Context, ds domain.DataStore, m Props, prices Prices, isLong, maximize bool) (*big.Int, error) {
	token := m.CollateralToken(isLong)
	amount, err := PoolAmount(ctx, ds, m, token)
	if err != nil {
		return nil, err
	}
	price := prices.ShortTokenPrice
	if isLong {
		price = prices.LongTokenPrice
	}
	return amount.Mul(amount, price.PickPrice(maximize)), nil
}

func sumByCollateral(ctx context.Context, ds domain.DataStore, m Props, key func(market, collateral common.Address, isLong bool) common.Hash, isLong bool) (*big.Int, error) {
	total, err := ds.GetUint(ctx, key(m.MarketToken, m.LongToken, isLong))
	if err != nil {
		return nil, err
	}
	if m.IsSingleToken() {
		return total, nil
	}
	short, err := ds.GetUint(ctx, key(m.MarketToken, m.ShortToken, isLong))
	if err != nil {
		return nil, err
	}
	return total.Add(total, short), nil
}

// OpenInterest is the side's total position size in USD across both
// collateral tokens.
func OpenInterest(ctx context.Context, ds domain.DataStore, m Props, isLong bool) (*big.Int, error) {
	oi, err := sumByCollateral(ctx, ds, m, keys.OpenInterestKey, isLong)
	if err != nil {
		return nil, fmt.Errorf("market: open interest: %w", err)
	}
	return oi, nil
}

// OpenInterestInTokens is the side's total position size in index tokens.
func OpenInterestInTokens(ctx context.Context, ds domain.DataStore, m Props, isLong bool) (*big.Int, error) {
	oi, err := sumByCollateral(ctx, ds, m, keys.OpenInterestInTokensKey, isLong)
	if err != nil {
		return nil, fmt.Errorf("market: open interest in tokens: %w", err)
	}
	return oi, nil
}

// ApplyDeltaToOpenInterest adjusts open interest in USD and tokens for one
// collateral token and side.
func ApplyDeltaToOpenInterest(ctx context.Context, ds domain.DataStore, m Props, collateral common.Address, isLong bool, usdDelta, tokenDelta *big.Int) error {
	if _, err := ds.ApplyDeltaToUint(ctx, keys.OpenInterestKey(m.MarketToken, collateral, isLong), usdDelta); err != nil {
		return fmt.Errorf("market: open interest: %w", err)
	}
	if _, err := ds.ApplyDeltaToUint(ctx, keys.OpenInterestInTokensKey(m.MarketToken, collateral, isLong), tokenDelta); err != nil {
		return fmt.Errorf("market: open interest in tokens: %w", err)
	}
	return nil
}

// MarketTokenSupply returns the outstanding supply of the market token.
func MarketTokenSupply(ctx context.Context, ds domain.DataStore, market common.Address) (*big.Int, error) {
	return ds.GetUint(ctx, keys.MarketTokenSupplyKey(market))
}

// SetMarketTokenSupply records the outstanding market token supply.
func SetMarketTokenSupply(ctx context.Context, ds domain.DataStore, market common.Address, supply *big.Int) error {
	return ds.SetUint(ctx, keys.MarketTokenSupplyKey(market), supply)
}

// ReservedUsd is the USD the pool must hold to pay the side's maximum profit:
// longs reserve their size in tokens at the max index price, shorts their
// USD size.
func ReservedUsd(ctx context.Context, ds domain.DataStore, m Props, prices Prices, isLong bool) (*big.Int, error) {
	if isLong {
		tokens, err := OpenInterestInTokens(ctx, ds, m, true)
		if err != nil {
			return nil, err
		}
		return tokens.Mul(tokens, prices.IndexTokenPrice.Max), nil
	}
	return OpenInterest(ctx, ds, m, false)
}

// ValidateReserve fails with ErrInsufficientReserve when the side's reserved
// USD exceeds reserveFactor of its pool USD. An unset reserve factor does not
// limit the side.
func ValidateReserve(ctx context.Context, ds domain.DataStore, m Props, prices Prices, isLong bool) error {
	factor, err := ds.GetUint(ctx, keys.ReserveFactorKey(m.MarketToken, isLong))
	if err != nil {
		return fmt.Errorf("market: reserve factor: %w", err)
	}
	if factor.Sign() == 0 {
		return nil
	}
	poolUsd, err := PoolUsdWithoutPnl(ctx, ds, m, prices, isLong, false)
	if err != nil {
		return err
	}
	reserved, err := ReservedUsd(ctx, ds, m, prices, isLong)
	if err != nil {
		return err
	}
	if limit := fixed.ApplyFactor(poolUsd, factor); reserved.Cmp(limit) > 0 {
		return fmt.Errorf("market: reserved %s exceeds %s: %w",
			fixed.FormatUSD(reserved), fixed.FormatUSD(limit), domain.ErrInsufficientReserve)
	}
	return nil
}
