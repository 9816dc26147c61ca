package market

import (
	"context"
	"fmt"
	"math/big"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/fixed"
)

// PoolValueInfo breaks a pool valuation into its parts. LongPnl and ShortPnl
// are the capped values that entered PoolValue.
type PoolValueInfo struct {
	PoolValue          *big.Int `json:"pool_value"`
	LongPnl            *big.Int `json:"long_pnl"`
	ShortPnl           *big.Int `json:"short_pnl"`
	NetPnl             *big.Int `json:"net_pnl"`
	LongTokenAmount    *big.Int `json:"long_token_amount"`
	ShortTokenAmount   *big.Int `json:"short_token_amount"`
	LongTokenUsd       *big.Int `json:"long_token_usd"`
	ShortTokenUsd      *big.Int `json:"short_token_usd"`
	TotalBorrowingFees *big.Int `json:"total_borrowing_fees"`
}

// GetPoolValueInfo values the pool:
//
//	poolValue = longUsd + shortUsd + pendingBorrowingFees - cappedLongPnl - cappedShortPnl
//
// Each side's pnl is capped against its own pool USD with the factor family
// t, independently of the other side. maximize picks the token prices that
// maximize the pool value, and hence the pnl that minimizes it.
func GetPoolValueInfo(ctx context.Context, ds domain.DataStore, m Props, prices Prices, t PnlFactorType, maximize bool) (PoolValueInfo, error) {
	var info PoolValueInfo
	var err error

	if info.LongTokenAmount, err = PoolAmount(ctx, ds, m, m.LongToken); err != nil {
		return info, err
	}
	if info.ShortTokenAmount, err = PoolAmount(ctx, ds, m, m.ShortToken); err != nil {
		return info, err
	}
	info.LongTokenUsd = new(big.Int).Mul(info.LongTokenAmount, prices.LongTokenPrice.PickPrice(maximize))
	info.ShortTokenUsd = new(big.Int).Mul(info.ShortTokenAmount, prices.ShortTokenPrice.PickPrice(maximize))

	longBorrowing, err := PendingBorrowingFees(ctx, ds, m, true)
	if err != nil {
		return info, err
	}
	shortBorrowing, err := PendingBorrowingFees(ctx, ds, m, false)
	if err != nil {
		return info, err
	}
	info.TotalBorrowingFees = longBorrowing.Add(longBorrowing, shortBorrowing)

	if _, info.LongPnl, _, err = GetSideCappedPnl(ctx, ds, m, prices, t, true, !maximize); err != nil {
		return info, err
	}
	if _, info.ShortPnl, _, err = GetSideCappedPnl(ctx, ds, m, prices, t, false, !maximize); err != nil {
		return info, err
	}
	info.NetPnl = fixed.Add(info.LongPnl, info.ShortPnl)

	v := fixed.Add(info.LongTokenUsd, info.ShortTokenUsd)
	v.Add(v, info.TotalBorrowingFees)
	v.Sub(v, info.NetPnl)
	info.PoolValue = v
	return info, nil
}

// GetMarketTokenPrice returns the USD value of one whole market token
// (18 decimals), in canonical precision. A market with no supply is priced at
// 1.0.
func GetMarketTokenPrice(ctx context.Context, ds domain.DataStore, m Props, prices Prices, t PnlFactorType, maximize bool) (*big.Int, PoolValueInfo, error) {
	supply, err := MarketTokenSupply(ctx, ds, m.MarketToken)
	if err != nil {
		return nil, PoolValueInfo{}, fmt.Errorf("market: supply: %w", err)
	}
	info, err := GetPoolValueInfo(ctx, ds, m, prices, t, maximize)
	if err != nil {
		return nil, info, err
	}
	if supply.Sign() == 0 {
		return fixed.Copy(fixed.FloatPrecision), info, nil
	}
	if info.PoolValue.Sign() < 0 {
		return nil, info, fmt.Errorf("market: %s value %s: %w",
			m.MarketToken.Hex(), fixed.FormatUSD(info.PoolValue), domain.ErrNegativePoolValue)
	}
	return fixed.MulDiv(info.PoolValue, fixed.WeiPrecision, supply), info, nil
}
