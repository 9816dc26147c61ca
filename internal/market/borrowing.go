package market

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/fixed"
	"github.com/alanyoungcy/perpcore/internal/keys"
)

// BorrowingFactorPerSecond is borrowingFactor × reservedUsd / poolUsd.
func BorrowingFactorPerSecond(ctx context.Context, ds domain.DataStore, m Props, prices Prices, isLong bool) (*big.Int, error) {
	factor, err := ds.GetUint(ctx, keys.BorrowingFactorKey(m.MarketToken, isLong))
	if err != nil {
		return nil, fmt.Errorf("market: borrowing factor: %w", err)
	}
	if factor.Sign() == 0 {
		return factor, nil
	}
	poolUsd, err := PoolUsdWithoutPnl(ctx, ds, m, prices, isLong, false)
	if err != nil {
		return nil, err
	}
	if poolUsd.Sign() == 0 {
		return new(big.Int), nil
	}
	reserved, err := ReservedUsd(ctx, ds, m, prices, isLong)
	if err != nil {
		return nil, err
	}
	return fixed.MulDiv(factor, reserved, poolUsd), nil
}

// CumulativeBorrowingFactor returns the side's stored cumulative factor.
func CumulativeBorrowingFactor(ctx context.Context, ds domain.DataStore, m Props, isLong bool) (*big.Int, error) {
	return ds.GetUint(ctx, keys.CumulativeBorrowingFactorKey(m.MarketToken, isLong))
}

// UpdateCumulativeBorrowingFactor advances the side's cumulative factor to now
// and returns it. The first call only records the timestamp.
func UpdateCumulativeBorrowingFactor(ctx context.Context, ds domain.DataStore, m Props, prices Prices, isLong bool, now time.Time) (*big.Int, error) {
	cum, err := CumulativeBorrowingFactor(ctx, ds, m, isLong)
	if err != nil {
		return nil, fmt.Errorf("market: cumulative borrowing factor: %w", err)
	}
	updatedKey := keys.CumulativeBorrowingFactorUpdatedAtKey(m.MarketToken, isLong)
	updated, err := ds.GetUint(ctx, updatedKey)
	if err != nil {
		return nil, fmt.Errorf("market: borrowing updated at: %w", err)
	}
	ts := now.Unix()
	if updated.Sign() > 0 && ts > updated.Int64() {
		perSecond, err := BorrowingFactorPerSecond(ctx, ds, m, prices, isLong)
		if err != nil {
			return nil, err
		}
		elapsed := big.NewInt(ts - updated.Int64())
		cum.Add(cum, perSecond.Mul(perSecond, elapsed))
		if err := ds.SetUint(ctx, keys.CumulativeBorrowingFactorKey(m.MarketToken, isLong), cum); err != nil {
			return nil, fmt.Errorf("market: cumulative borrowing factor: %w", err)
		}
	}
	if ts > updated.Int64() {
		if err := ds.SetUint(ctx, updatedKey, big.NewInt(ts)); err != nil {
			return nil, fmt.Errorf("market: borrowing updated at: %w", err)
		}
	}
	return cum, nil
}

// PendingBorrowingFees is the borrowing owed by the side's open positions
// and not yet settled, as of the last cumulative factor update.
func PendingBorrowingFees(ctx context.Context, ds domain.DataStore, m Props, isLong bool) (*big.Int, error) {
	cum, err := CumulativeBorrowingFactor(ctx, ds, m, isLong)
	if err != nil {
		return nil, fmt.Errorf("market: cumulative borrowing factor: %w", err)
	}
	if cum.Sign() == 0 {
		return cum, nil
	}
	oi, err := OpenInterest(ctx, ds, m, isLong)
	if err != nil {
		return nil, err
	}
	total, err := ds.GetUint(ctx, keys.TotalBorrowingKey(m.MarketToken, isLong))
	if err != nil {
		return nil, fmt.Errorf("market: total borrowing: %w", err)
	}
	pending := fixed.ApplyFactor(oi, cum)
	pending.Sub(pending, total)
	if pending.Sign() < 0 {
		return new(big.Int), nil
	}
	return pending, nil
}

// UpdateTotalBorrowing replaces a position's contribution to the side's
// total borrowing, size × borrowingFactor.
func UpdateTotalBorrowing(ctx context.Context, ds domain.DataStore, m Props, isLong bool, prevSize, prevFactor, nextSize, nextFactor *big.Int) error {
	delta := fixed.Sub(fixed.ApplyFactor(nextSize, nextFactor), fixed.ApplyFactor(prevSize, prevFactor))
	key := keys.TotalBorrowingKey(m.MarketToken, isLong)
	_, err := ds.ApplyDeltaToUint(ctx, key, delta)
	if errors.Is(err, domain.ErrNegativeValue) {
		// rounding can leave the total a few wei below a position's share
		return ds.SetUint(ctx, key, new(big.Int))
	}
	if err != nil {
		return fmt.Errorf("market: total borrowing: %w", err)
	}
	return nil
}
