package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/fixed"
	"github.com/alanyoungcy/perpcore/internal/market"
	"github.com/alanyoungcy/perpcore/internal/oracle"
)

// ReasonUserCancelled is the reason recorded when an account cancels its own
// order.
const ReasonUserCancelled = "cancelled by account"

// CreateOrderParams are the caller-supplied fields of a new order.
type CreateOrderParams struct {
	Receiver                     common.Address                  `json:"receiver"`
	Market                       common.Address                  `json:"market"`
	InitialCollateralToken       common.Address                  `json:"initial_collateral_token"`
	SwapPath                     []common.Address                `json:"swap_path"`
	SizeDeltaUsd                 *big.Int                        `json:"size_delta_usd"`
	InitialCollateralDeltaAmount *big.Int                        `json:"initial_collateral_delta_amount"`
	TriggerPrice                 *big.Int                        `json:"trigger_price"`
	AcceptablePrice              *big.Int                        `json:"acceptable_price"`
	ExecutionFee                 *big.Int                        `json:"execution_fee"`
	MinOutputAmount              *big.Int                        `json:"min_output_amount"`
	OrderType                    domain.OrderType                `json:"order_type"`
	DecreasePositionSwapType     domain.DecreasePositionSwapType `json:"decrease_position_swap_type"`
	IsLong                       bool                            `json:"is_long"`
}

// Exchange records and executes orders. Every mutating call runs in one data
// store transaction; its events are emitted only after the commit.
type Exchange struct {
	ds      domain.TxDataStore
	emitter domain.EventEmitter
	logger  *slog.Logger
}

// New creates an Exchange.
func New(ds domain.TxDataStore, emitter domain.EventEmitter, logger *slog.Logger) *Exchange {
	return &Exchange{
		ds:      ds,
		emitter: emitter,
		logger:  logger.With(slog.String("component", "exchange")),
	}
}

// Orders returns a read view of the stored orders.
func (e *Exchange) Orders() *OrderStore {
	return NewOrderStore(e.ds)
}

// CreateOrder validates and stores a new order. It never reads prices.
func (e *Exchange) CreateOrder(ctx context.Context, account common.Address, p CreateOrderParams, block uint64) (domain.Order, error) {
	o := domain.Order{
		Account:                      account,
		Receiver:                     p.Receiver,
		Market:                       p.Market,
		InitialCollateralToken:       p.InitialCollateralToken,
		SwapPath:                     p.SwapPath,
		SizeDeltaUsd:                 fixed.Copy(p.SizeDeltaUsd),
		InitialCollateralDeltaAmount: fixed.Copy(p.InitialCollateralDeltaAmount),
		TriggerPrice:                 fixed.Copy(p.TriggerPrice),
		AcceptablePrice:              fixed.Copy(p.AcceptablePrice),
		ExecutionFee:                 fixed.Copy(p.ExecutionFee),
		MinOutputAmount:              fixed.Copy(p.MinOutputAmount),
		OrderType:                    p.OrderType,
		DecreasePositionSwapType:     p.DecreasePositionSwapType,
		IsLong:                       p.IsLong,
		UpdatedAtBlock:               block,
	}
	if o.Receiver == (common.Address{}) {
		o.Receiver = account
	}

	err := e.ds.WithTx(ctx, func(tx domain.TxDataStore) error {
		if err := validateNewOrder(ctx, tx, o); err != nil {
			return err
		}
		key, err := NextKey(ctx, tx)
		if err != nil {
			return err
		}
		o.Key = key
		return NewOrderStore(tx).Set(ctx, o)
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("exchange: create order: %w", err)
	}

	meta := metaFor(o, nil, block)
	e.emit(ctx, []domain.Event{orderEvent(domain.EventOrderCreated, o, meta, "")})
	e.logger.InfoContext(ctx, "order created",
		slog.String("key", o.Key.Hex()),
		slog.String("type", o.OrderType.String()),
		slog.String("account", account.Hex()),
	)
	return o, nil
}

func validateNewOrder(ctx context.Context, ds domain.DataStore, o domain.Order) error {
	t := o.OrderType
	switch {
	case t == domain.OrderTypeLiquidation || t > domain.OrderTypeLiquidation:
		return fmt.Errorf("%s: %w", t, domain.ErrUnsupportedOrderType)
	case t.IsSwap():
		if len(o.SwapPath) == 0 {
			return fmt.Errorf("swap order without path: %w", domain.ErrInvalidSwapPath)
		}
		if o.InitialCollateralDeltaAmount.Sign() == 0 {
			return fmt.Errorf("swap order without amount: %w", domain.ErrInvalidOrder)
		}
	default:
		if _, err := market.GetEnabledMarket(ctx, ds, o.Market); err != nil {
			return err
		}
		if t.IsIncrease() && o.SizeDeltaUsd.Sign() == 0 && o.InitialCollateralDeltaAmount.Sign() == 0 {
			return fmt.Errorf("increase without size or collateral: %w", domain.ErrInvalidOrder)
		}
		if t.IsDecrease() && o.SizeDeltaUsd.Sign() == 0 && o.InitialCollateralDeltaAmount.Sign() == 0 {
			return fmt.Errorf("decrease without size or collateral: %w", domain.ErrInvalidDecreaseSize)
		}
	}
	if !t.IsMarket() && t != domain.OrderTypeLimitSwap && o.TriggerPrice.Sign() == 0 {
		return fmt.Errorf("%s without trigger price: %w", t, domain.ErrInvalidOrder)
	}
	return ValidateSwapPath(ctx, ds, o.SwapPath)
}

// ExecuteOrder executes the stored order key against set. The result is
// always one of executed, cancelled or frozen; an error means nothing
// changed. A missing key fails with ErrOrderNotFound, which is what a keeper
// losing an execution race sees.
func (e *Exchange) ExecuteOrder(ctx context.Context, key common.Hash, set *oracle.PriceSet, block uint64) (Outcome, error) {
	var out Outcome
	var events []domain.Event

	err := e.ds.WithTx(ctx, func(tx domain.TxDataStore) error {
		orders := NewOrderStore(tx)
		o, err := orders.Get(ctx, key)
		if err != nil {
			return err
		}
		meta := metaFor(o, set, block)

		var res PositionResult
		execErr := tx.WithTx(ctx, func(inner domain.TxDataStore) error {
			var err error
			res, err = execute(ctx, inner, o, set, meta)
			return err
		})

		if execErr == nil {
			if err := orders.Remove(ctx, o.Key, o.Account); err != nil {
				return err
			}
			res.Settlement.ExecutionFee = fixed.Copy(o.ExecutionFee)
			out = Outcome{Kind: OutcomeExecuted, OrderKey: o.Key, Settlement: res.Settlement}
			events = append(res.Events, orderEvent(domain.EventOrderExecuted, o, meta, ""))
			return nil
		}

		kind, ok := classify(execErr)
		if !ok {
			return execErr
		}
		reason := reasonCode(execErr)
		switch kind {
		case OutcomeCancelled:
			if err := orders.Remove(ctx, o.Key, o.Account); err != nil {
				return err
			}
			out = Outcome{Kind: OutcomeCancelled, OrderKey: o.Key, Reason: reason, Cause: execErr, Settlement: refund(o)}
			events = []domain.Event{orderEvent(domain.EventOrderCancelled, o, meta, reason)}
		case OutcomeFrozen:
			o.IsFrozen = true
			o.UpdatedAtBlock = block
			if err := orders.Set(ctx, o); err != nil {
				return err
			}
			out = Outcome{Kind: OutcomeFrozen, OrderKey: o.Key, Reason: reason, Cause: execErr}
			events = []domain.Event{orderEvent(domain.EventOrderFrozen, o, meta, reason)}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrOrderNotFound) && !errors.Is(err, domain.ErrOrderNotTriggered) {
			e.logger.WarnContext(ctx, "order execution failed",
				slog.String("key", key.Hex()),
				slog.String("error", err.Error()),
			)
		}
		return Outcome{}, fmt.Errorf("exchange: execute order: %w", err)
	}

	e.emit(ctx, events)
	attrs := []any{slog.String("key", key.Hex()), slog.String("outcome", out.Kind.String())}
	if out.Reason != "" {
		attrs = append(attrs, slog.String("reason", out.Reason), slog.String("cause", out.Cause.Error()))
	}
	e.logger.InfoContext(ctx, "order processed", attrs...)
	return out, nil
}

// CancelOrder cancels an order on behalf of its account and refunds it.
func (e *Exchange) CancelOrder(ctx context.Context, account common.Address, key common.Hash, block uint64) (Outcome, error) {
	var out Outcome
	var ev domain.Event
	err := e.ds.WithTx(ctx, func(tx domain.TxDataStore) error {
		orders := NewOrderStore(tx)
		o, err := orders.Get(ctx, key)
		if err != nil {
			return err
		}
		if o.Account != account {
			return fmt.Errorf("order %s belongs to %s: %w", key.Hex(), o.Account.Hex(), domain.ErrUnauthorized)
		}
		if err := orders.Remove(ctx, key, o.Account); err != nil {
			return err
		}
		out = Outcome{Kind: OutcomeCancelled, OrderKey: key, Reason: ReasonUserCancelled, Cause: errors.New(ReasonUserCancelled), Settlement: refund(o)}
		ev = orderEvent(domain.EventOrderCancelled, o, metaFor(o, nil, block), ReasonUserCancelled)
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("exchange: cancel order: %w", err)
	}
	e.emit(ctx, []domain.Event{ev})
	return out, nil
}

// refund returns the deposited collateral of increase and swap orders and the
// execution fee of every order to its account.
func refund(o domain.Order) Settlement {
	var st Settlement
	if o.OrderType.IsIncrease() || o.OrderType.IsSwap() {
		st.pay(o.InitialCollateralToken, o.Account, o.InitialCollateralDeltaAmount)
	}
	st.pay(NativeToken, o.Account, o.ExecutionFee)
	return st
}

func execute(ctx context.Context, ds domain.DataStore, o domain.Order, set *oracle.PriceSet, meta EventMeta) (PositionResult, error) {
	if o.OrderType.IsSwap() {
		r, err := SwapTokens(ctx, ds, SwapParams{
			PriceSet:        set,
			TokenIn:         o.InitialCollateralToken,
			AmountIn:        o.InitialCollateralDeltaAmount,
			Path:            o.SwapPath,
			MinOutputAmount: o.MinOutputAmount,
			Meta:            meta,
		})
		if err != nil {
			if o.OrderType == domain.OrderTypeLimitSwap && errors.Is(err, domain.ErrInsufficientOutput) {
				return PositionResult{}, fmt.Errorf("%w: %v", domain.ErrOrderNotTriggered, err)
			}
			return PositionResult{}, err
		}
		var st Settlement
		st.pay(r.TokenOut, o.Receiver, r.AmountOut)
		return PositionResult{Settlement: st, Events: r.Events}, nil
	}

	m, err := market.GetEnabledMarket(ctx, ds, o.Market)
	if err != nil {
		return PositionResult{}, err
	}
	prices, err := market.PricesFromSet(set, m)
	if err != nil {
		return PositionResult{}, err
	}
	if err := checkTrigger(o, prices.IndexTokenPrice); err != nil {
		return PositionResult{}, err
	}

	switch {
	case o.OrderType.IsIncrease():
		r, err := SwapTokens(ctx, ds, SwapParams{
			PriceSet:        set,
			TokenIn:         o.InitialCollateralToken,
			AmountIn:        o.InitialCollateralDeltaAmount,
			Path:            o.SwapPath,
			MinOutputAmount: o.MinOutputAmount,
			Meta:            meta,
		})
		if err != nil {
			return PositionResult{}, err
		}
		res, err := IncreasePosition(ctx, ds, IncreaseParams{
			Market:           m,
			PriceSet:         set,
			Account:          o.Account,
			CollateralToken:  r.TokenOut,
			CollateralAmount: r.AmountOut,
			SizeDeltaUsd:     o.SizeDeltaUsd,
			AcceptablePrice:  o.AcceptablePrice,
			IsLong:           o.IsLong,
			Meta:             meta,
		})
		if err != nil {
			return PositionResult{}, err
		}
		res.Events = append(r.Events, res.Events...)
		return res, nil
	case o.OrderType.IsDecrease() && o.OrderType != domain.OrderTypeLiquidation:
		return DecreasePosition(ctx, ds, DecreaseParams{
			Market:                m,
			PriceSet:              set,
			Account:               o.Account,
			Receiver:              o.Receiver,
			CollateralToken:       o.InitialCollateralToken,
			IsLong:                o.IsLong,
			SizeDeltaUsd:          o.SizeDeltaUsd,
			CollateralDeltaAmount: o.InitialCollateralDeltaAmount,
			AcceptablePrice:       o.AcceptablePrice,
			SwapType:              o.DecreasePositionSwapType,
			MinOutputAmount:       o.MinOutputAmount,
			ClampSize:             o.OrderType == domain.OrderTypeMarketDecrease,
			Meta:                  meta,
		})
	default:
		return PositionResult{}, fmt.Errorf("%s: %w", o.OrderType, domain.ErrUnsupportedOrderType)
	}
}

// checkTrigger fails with ErrOrderNotTriggered while a limit or stop order's
// trigger price has not been reached.
func checkTrigger(o domain.Order, index domain.Price) error {
	var ok bool
	switch o.OrderType {
	case domain.OrderTypeLimitIncrease:
		ok = (o.IsLong && index.Max.Cmp(o.TriggerPrice) <= 0) || (!o.IsLong && index.Min.Cmp(o.TriggerPrice) >= 0)
	case domain.OrderTypeLimitDecrease:
		ok = (o.IsLong && index.Min.Cmp(o.TriggerPrice) >= 0) || (!o.IsLong && index.Max.Cmp(o.TriggerPrice) <= 0)
	case domain.OrderTypeStopLossDecrease:
		ok = (o.IsLong && index.Min.Cmp(o.TriggerPrice) <= 0) || (!o.IsLong && index.Max.Cmp(o.TriggerPrice) >= 0)
	default:
		return nil
	}
	if !ok {
		return fmt.Errorf("trigger %s: %w", o.TriggerPrice, domain.ErrOrderNotTriggered)
	}
	return nil
}

func (e *Exchange) emit(ctx context.Context, events []domain.Event) {
	if e.emitter == nil {
		return
	}
	for _, ev := range events {
		if err := e.emitter.Emit(ctx, ev); err != nil {
			e.logger.WarnContext(ctx, "emit event failed",
				slog.String("event", ev.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}
