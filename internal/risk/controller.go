package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/exchange"
	"github.com/alanyoungcy/perpcore/internal/fixed"
	"github.com/alanyoungcy/perpcore/internal/market"
	"github.com/alanyoungcy/perpcore/internal/oracle"
)

// Controller runs ADL state updates, ADL executions and liquidations. Each
// call is one data store transaction; events are emitted after it commits.
type Controller struct {
	ds      domain.TxDataStore
	emitter domain.EventEmitter
	logger  *slog.Logger
}

// New creates a Controller.
func New(ds domain.TxDataStore, emitter domain.EventEmitter, logger *slog.Logger) *Controller {
	return &Controller{
		ds:      ds,
		emitter: emitter,
		logger:  logger.With(slog.String("component", "risk")),
	}
}

// State returns the current ADL state of k.
func (c *Controller) State(ctx context.Context, k StateKey) (MarketRiskState, error) {
	return LoadState(ctx, c.ds, k)
}

// AdlUpdate reports the result of UpdateAdlState.
type AdlUpdate struct {
	State     MarketRiskState `json:"state"`
	PnlFactor *big.Int        `json:"pnl_factor"`
	Params    Params          `json:"params"`
	Changed   bool            `json:"changed"`
}

// UpdateAdlState enables ADL for a side whose pnl factor has risen above
// MaxPnlFactorForAdl and disables it once the factor is back at or below
// MinPnlFactorAfterAdl. Anything in between leaves the state alone, so
// repeated calls with the same prices are no-ops after the first.
func (c *Controller) UpdateAdlState(ctx context.Context, mkt common.Address, isLong bool, set *oracle.PriceSet, block uint64) (AdlUpdate, error) {
	k := StateKey{Market: mkt, IsLong: isLong}
	var up AdlUpdate
	var ev domain.Event

	err := c.ds.WithTx(ctx, func(tx domain.TxDataStore) error {
		m, err := market.GetMarket(ctx, tx, mkt)
		if err != nil {
			return err
		}
		prices, err := market.PricesFromSet(set, m)
		if err != nil {
			return err
		}
		params, err := LoadParams(ctx, tx, mkt, isLong)
		if err != nil {
			return err
		}
		state, err := LoadState(ctx, tx, k)
		if err != nil {
			return err
		}
		factor, err := market.GetPnlToPoolFactor(ctx, tx, m, prices, isLong, true)
		if err != nil {
			return err
		}

		next := state
		switch {
		case !state.IsAdlEnabled && factor.Cmp(params.MaxPnlFactorForAdl) > 0:
			next = MarketRiskState{IsAdlEnabled: true, LatestAdlBlock: block}
		case state.IsAdlEnabled && factor.Cmp(params.MinPnlFactorAfterAdl) <= 0:
			next.IsAdlEnabled = false
		}
		up = AdlUpdate{State: next, PnlFactor: factor, Params: params, Changed: next != state}
		if !up.Changed {
			return nil
		}
		if err := storeState(ctx, tx, k, next); err != nil {
			return err
		}
		ev = domain.Event{
			Name:   domain.EventAdlStateUpdated,
			Market: mkt,
			IsLong: isLong,
			Prices: set.EventPrices(),
			Block:  block,
			Time:   set.Time(),
			Values: map[string]string{
				"is_adl_enabled":           fmt.Sprint(next.IsAdlEnabled),
				"pnl_to_pool_factor":       factor.String(),
				"max_pnl_factor_for_adl":   params.MaxPnlFactorForAdl.String(),
				"min_pnl_factor_after_adl": params.MinPnlFactorAfterAdl.String(),
			},
		}
		return nil
	})
	if err != nil {
		return AdlUpdate{}, fmt.Errorf("risk: update adl state: %w", err)
	}

	if up.Changed {
		c.emit(ctx, ev)
		c.logger.InfoContext(ctx, "adl state updated",
			slog.String("market", mkt.Hex()),
			slog.String("side", k.side()),
			slog.Bool("enabled", up.State.IsAdlEnabled),
			slog.String("pnl_factor", fixed.FormatUSD(up.PnlFactor)),
		)
	}
	return up, nil
}

// AdlParams selects the position to deleverage.
type AdlParams struct {
	Account         common.Address `json:"account"`
	Market          common.Address `json:"market"`
	CollateralToken common.Address `json:"collateral_token"`
	IsLong          bool           `json:"is_long"`
	SizeDeltaUsd    *big.Int       `json:"size_delta_usd"`
}

// AdlResult reports an executed ADL.
type AdlResult struct {
	PnlFactorBefore *big.Int            `json:"pnl_factor_before"`
	PnlFactorAfter  *big.Int            `json:"pnl_factor_after"`
	Settlement      exchange.Settlement `json:"settlement"`
}

// ExecuteAdl force-closes SizeDeltaUsd of a profitable position on a side
// whose ADL is enabled. The decrease is rolled back unless it strictly lowers
// the side's pnl factor without taking it below MinPnlFactorAfterAdl.
func (c *Controller) ExecuteAdl(ctx context.Context, p AdlParams, set *oracle.PriceSet, block uint64) (AdlResult, error) {
	k := StateKey{Market: p.Market, IsLong: p.IsLong}
	var res AdlResult
	var events []domain.Event

	err := c.ds.WithTx(ctx, func(tx domain.TxDataStore) error {
		state, err := LoadState(ctx, tx, k)
		if err != nil {
			return err
		}
		if !state.IsAdlEnabled {
			return fmt.Errorf("%s %s: %w", p.Market.Hex(), k.side(), domain.ErrAdlNotEnabled)
		}
		if set.MinOracleBlock() < state.LatestAdlBlock {
			return fmt.Errorf("oracle block %d, adl enabled at %d: %w",
				set.MinOracleBlock(), state.LatestAdlBlock, domain.ErrOracleBlockBeforeAdl)
		}
		m, err := market.GetMarket(ctx, tx, p.Market)
		if err != nil {
			return err
		}
		prices, err := market.PricesFromSet(set, m)
		if err != nil {
			return err
		}
		params, err := LoadParams(ctx, tx, p.Market, p.IsLong)
		if err != nil {
			return err
		}
		before, err := market.GetPnlToPoolFactor(ctx, tx, m, prices, p.IsLong, true)
		if err != nil {
			return err
		}

		dec, err := exchange.DecreasePosition(ctx, tx, exchange.DecreaseParams{
			Market:          m,
			PriceSet:        set,
			Account:         p.Account,
			Receiver:        p.Account,
			CollateralToken: p.CollateralToken,
			IsLong:          p.IsLong,
			SizeDeltaUsd:    p.SizeDeltaUsd,
			AcceptablePrice: exchange.UnboundedAcceptablePrice(p.IsLong, false),
			ClampSize:       true,
			Meta: exchange.EventMeta{
				Account:            p.Account,
				OrderType:          domain.OrderTypeMarketDecrease,
				SecondaryOrderType: domain.SecondaryOrderTypeAdl,
				IsLong:             p.IsLong,
				Block:              block,
				Time:               set.Time(),
				Prices:             set.EventPrices(),
			},
		})
		if err != nil {
			return err
		}

		after, err := market.GetPnlToPoolFactor(ctx, tx, m, prices, p.IsLong, true)
		if err != nil {
			return err
		}
		if after.Cmp(before) >= 0 {
			return fmt.Errorf("pnl factor %s -> %s: %w", before, after, domain.ErrAdlNotExpectedToImprove)
		}
		if after.Cmp(params.MinPnlFactorAfterAdl) < 0 {
			return fmt.Errorf("pnl factor %s below %s: %w", after, params.MinPnlFactorAfterAdl, domain.ErrPnlOvercorrected)
		}
		res = AdlResult{PnlFactorBefore: before, PnlFactorAfter: after, Settlement: dec.Settlement}
		events = dec.Events
		return nil
	})
	if err != nil {
		return AdlResult{}, fmt.Errorf("risk: execute adl: %w", err)
	}

	c.emit(ctx, events...)
	c.logger.InfoContext(ctx, "adl executed",
		slog.String("market", p.Market.Hex()),
		slog.String("side", k.side()),
		slog.String("account", p.Account.Hex()),
		slog.String("size_delta_usd", fixed.FormatUSD(res.Settlement.SizeDeltaUsd)),
		slog.String("pnl_factor_before", fixed.FormatUSD(res.PnlFactorBefore)),
		slog.String("pnl_factor_after", fixed.FormatUSD(res.PnlFactorAfter)),
	)
	return res, nil
}

func (c *Controller) emit(ctx context.Context, events ...domain.Event) {
	if c.emitter == nil {
		return
	}
	for _, ev := range events {
		if err := c.emitter.Emit(ctx, ev); err != nil {
			c.logger.WarnContext(ctx, "emit event failed",
				slog.String("event", ev.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}
