package risk

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/exchange"
	"github.com/alanyoungcy/perpcore/internal/fixed"
	"github.com/alanyoungcy/perpcore/internal/market"
	"github.com/alanyoungcy/perpcore/internal/oracle"
	"github.com/alanyoungcy/perpcore/internal/position"
)

// LiquidationParams identifies the position to liquidate.
type LiquidationParams struct {
	Account         common.Address `json:"account"`
	Market          common.Address `json:"market"`
	CollateralToken common.Address `json:"collateral_token"`
	IsLong          bool           `json:"is_long"`
}

// LiquidationResult reports a liquidation. Settlement carries what is left of
// the collateral and any deficit the pool absorbed.
type LiquidationResult struct {
	Health     position.Health     `json:"health"`
	Settlement exchange.Settlement `json:"settlement"`
}

// CheckLiquidation reports the health of a position without changing state.
func (c *Controller) CheckLiquidation(ctx context.Context, p LiquidationParams, set *oracle.PriceSet) (position.Health, error) {
	m, err := market.GetMarket(ctx, c.ds, p.Market)
	if err != nil {
		return position.Health{}, fmt.Errorf("risk: check liquidation: %w", err)
	}
	prices, err := market.PricesFromSet(set, m)
	if err != nil {
		return position.Health{}, fmt.Errorf("risk: check liquidation: %w", err)
	}
	pos, err := position.NewStore(c.ds).Get(ctx, position.Key(p.Account, p.Market, p.CollateralToken, p.IsLong))
	if err != nil {
		return position.Health{}, fmt.Errorf("risk: check liquidation: %w", err)
	}
	h, err := position.GetHealth(ctx, c.ds, m, prices, pos)
	if err != nil {
		return position.Health{}, fmt.Errorf("risk: check liquidation: %w", err)
	}
	return h, nil
}

// ExecuteLiquidation closes a position in full once its remaining collateral
// has fallen to its minimum. A healthy position fails with
// ErrPositionNotLiquidatable and nothing changes.
func (c *Controller) ExecuteLiquidation(ctx context.Context, p LiquidationParams, set *oracle.PriceSet, block uint64) (LiquidationResult, error) {
	var res LiquidationResult
	var events []domain.Event

	err := c.ds.WithTx(ctx, func(tx domain.TxDataStore) error {
		m, err := market.GetMarket(ctx, tx, p.Market)
		if err != nil {
			return err
		}
		prices, err := market.PricesFromSet(set, m)
		if err != nil {
			return err
		}
		pos, err := position.NewStore(tx).Get(ctx, position.Key(p.Account, p.Market, p.CollateralToken, p.IsLong))
		if err != nil {
			return err
		}
		liquidatable, h, err := position.IsLiquidatable(ctx, tx, m, prices, pos)
		if err != nil {
			return err
		}
		if !liquidatable {
			return fmt.Errorf("remaining collateral %s above %s: %w",
				fixed.FormatUSD(h.RemainingCollateralUsd), fixed.FormatUSD(h.MinCollateralUsd), domain.ErrPositionNotLiquidatable)
		}

		dec, err := exchange.DecreasePosition(ctx, tx, exchange.DecreaseParams{
			Market:          m,
			PriceSet:        set,
			Account:         pos.Account,
			Receiver:        pos.Account,
			CollateralToken: pos.CollateralToken,
			IsLong:          pos.IsLong,
			SizeDeltaUsd:    pos.SizeInUsd,
			AcceptablePrice: exchange.UnboundedAcceptablePrice(pos.IsLong, false),
			Liquidation:     true,
			Meta: exchange.EventMeta{
				Account:   pos.Account,
				OrderType: domain.OrderTypeLiquidation,
				IsLong:    pos.IsLong,
				Block:     block,
				Time:      set.Time(),
				Prices:    set.EventPrices(),
			},
		})
		if err != nil {
			return err
		}
		res = LiquidationResult{Health: h, Settlement: dec.Settlement}
		events = dec.Events
		return nil
	})
	if err != nil {
		return LiquidationResult{}, fmt.Errorf("risk: execute liquidation: %w", err)
	}

	c.emit(ctx, events...)
	attrs := []any{
		slog.String("market", p.Market.Hex()),
		slog.String("account", p.Account.Hex()),
		slog.Bool("is_long", p.IsLong),
		slog.String("remaining_collateral_usd", fixed.FormatUSD(res.Health.RemainingCollateralUsd)),
	}
	if d := res.Settlement.DeficitUsd; d != nil && d.Sign() > 0 {
		attrs = append(attrs, slog.String("deficit_usd", fixed.FormatUSD(d)))
	}
	c.logger.InfoContext(ctx, "position liquidated", attrs...)
	return res, nil
}
