// Package service holds the keeper entry point the HTTP API and the run modes
// call into.
package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/event"
	"github.com/alanyoungcy/perpcore/internal/exchange"
	"github.com/alanyoungcy/perpcore/internal/keys"
	"github.com/alanyoungcy/perpcore/internal/market"
	"github.com/alanyoungcy/perpcore/internal/metrics"
	"github.com/alanyoungcy/perpcore/internal/oracle"
	"github.com/alanyoungcy/perpcore/internal/position"
	"github.com/alanyoungcy/perpcore/internal/risk"
)

// DefaultLockTTL bounds how long a crashed keeper can block a market.
const DefaultLockTTL = 30 * time.Second

// Prices carries the signed reports a keeper submits with an operation and
// the block it executes at.
type Prices struct {
	Block   uint64               `json:"block"`
	Reports []oracle.PriceReport `json:"reports"`
}

// KeeperConfig tunes a KeeperService.
type KeeperConfig struct {
	LockTTL time.Duration
}

// KeeperService runs exchange and risk operations for keepers. Each mutating
// call validates the submitted prices, holds the lock of every market it
// touches, runs in one data store transaction and, once that commits, flushes
// the buffered events to the sink and records the prices as the next
// deviation reference.
type KeeperService struct {
	ds         domain.TxDataStore
	aggregator *oracle.Aggregator
	locks      domain.LockManager
	sink       domain.EventEmitter
	cache      domain.PriceCache
	metrics    *metrics.Metrics
	cfg        KeeperConfig
	now        func() time.Time
	logger     *slog.Logger
}

// NewKeeperService creates a KeeperService. cache may be nil.
func NewKeeperService(
	ds domain.TxDataStore,
	aggregator *oracle.Aggregator,
	locks domain.LockManager,
	sink domain.EventEmitter,
	cache domain.PriceCache,
	m *metrics.Metrics,
	cfg KeeperConfig,
	logger *slog.Logger,
) *KeeperService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &KeeperService{
		ds:         ds,
		aggregator: aggregator,
		locks:      locks,
		sink:       sink,
		cache:      cache,
		metrics:    m,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "keeper")),
	}
}

// CreateOrder records a new order for account.
func (s *KeeperService) CreateOrder(ctx context.Context, account common.Address, p exchange.CreateOrderParams, block uint64) (domain.Order, error) {
	var o domain.Order
	err := s.run(ctx, "create_order", orderMarkets(p.Market, p.SwapPath), func(ex *exchange.Exchange, _ *risk.Controller) error {
		var err error
		o, err = ex.CreateOrder(ctx, account, p, block)
		return err
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("keeper: create order: %w", err)
	}
	return o, nil
}

// GetOrder returns a stored order.
func (s *KeeperService) GetOrder(ctx context.Context, key common.Hash) (domain.Order, error) {
	return exchange.NewOrderStore(s.ds).Get(ctx, key)
}

// CancelOrder cancels account's own order.
func (s *KeeperService) CancelOrder(ctx context.Context, account common.Address, key common.Hash, block uint64) (exchange.Outcome, error) {
	o, err := s.GetOrder(ctx, key)
	if err != nil {
		return exchange.Outcome{}, fmt.Errorf("keeper: cancel order: %w", err)
	}
	var out exchange.Outcome
	err = s.run(ctx, "cancel_order", orderMarkets(o.Market, o.SwapPath), func(ex *exchange.Exchange, _ *risk.Controller) error {
		var err error
		out, err = ex.CancelOrder(ctx, account, key, block)
		return err
	})
	if err != nil {
		return exchange.Outcome{}, fmt.Errorf("keeper: cancel order: %w", err)
	}
	return out, nil
}

// ExecuteOrder executes an order against the submitted prices.
func (s *KeeperService) ExecuteOrder(ctx context.Context, key common.Hash, in Prices) (exchange.Outcome, error) {
	o, err := s.GetOrder(ctx, key)
	if err != nil {
		return exchange.Outcome{}, fmt.Errorf("keeper: execute order: %w", err)
	}
	markets := orderMarkets(o.Market, o.SwapPath)
	set, err := s.priceSet(ctx, in, markets)
	if err != nil {
		return exchange.Outcome{}, fmt.Errorf("keeper: execute order: %w", err)
	}

	var out exchange.Outcome
	err = s.run(ctx, "execute_order", markets, func(ex *exchange.Exchange, _ *risk.Controller) error {
		var err error
		out, err = ex.ExecuteOrder(ctx, key, set, in.Block)
		return err
	})
	if err != nil {
		return exchange.Outcome{}, fmt.Errorf("keeper: execute order: %w", err)
	}
	s.metrics.OrderOutcome(out.Kind.String(), out.Reason)
	s.recordPrices(ctx, set)
	return out, nil
}

// UpdateAdlState re-evaluates the ADL state of one market side.
func (s *KeeperService) UpdateAdlState(ctx context.Context, mkt common.Address, isLong bool, in Prices) (risk.AdlUpdate, error) {
	markets := []common.Address{mkt}
	set, err := s.priceSet(ctx, in, markets)
	if err != nil {
		return risk.AdlUpdate{}, fmt.Errorf("keeper: update adl state: %w", err)
	}
	var up risk.AdlUpdate
	err = s.run(ctx, "update_adl_state", markets, func(_ *exchange.Exchange, rc *risk.Controller) error {
		var err error
		up, err = rc.UpdateAdlState(ctx, mkt, isLong, set, in.Block)
		return err
	})
	if err != nil {
		return risk.AdlUpdate{}, fmt.Errorf("keeper: update adl state: %w", err)
	}
	if up.Changed {
		s.metrics.AdlTransition(isLong, up.State.IsAdlEnabled)
	}
	s.recordPrices(ctx, set)
	return up, nil
}

// ExecuteAdl deleverages one position.
func (s *KeeperService) ExecuteAdl(ctx context.Context, p risk.AdlParams, in Prices) (risk.AdlResult, error) {
	markets := []common.Address{p.Market}
	set, err := s.priceSet(ctx, in, markets)
	if err != nil {
		return risk.AdlResult{}, fmt.Errorf("keeper: execute adl: %w", err)
	}
	var res risk.AdlResult
	err = s.run(ctx, "execute_adl", markets, func(_ *exchange.Exchange, rc *risk.Controller) error {
		var err error
		res, err = rc.ExecuteAdl(ctx, p, set, in.Block)
		return err
	})
	s.metrics.AdlExecution(err)
	if err != nil {
		return risk.AdlResult{}, fmt.Errorf("keeper: execute adl: %w", err)
	}
	s.recordPrices(ctx, set)
	return res, nil
}

// ExecuteLiquidation liquidates one position.
func (s *KeeperService) ExecuteLiquidation(ctx context.Context, p risk.LiquidationParams, in Prices) (risk.LiquidationResult, error) {
	markets := []common.Address{p.Market}
	set, err := s.priceSet(ctx, in, markets)
	if err != nil {
		return risk.LiquidationResult{}, fmt.Errorf("keeper: execute liquidation: %w", err)
	}
	var res risk.LiquidationResult
	err = s.run(ctx, "execute_liquidation", markets, func(_ *exchange.Exchange, rc *risk.Controller) error {
		var err error
		res, err = rc.ExecuteLiquidation(ctx, p, set, in.Block)
		return err
	})
	if err != nil {
		return risk.LiquidationResult{}, fmt.Errorf("keeper: execute liquidation: %w", err)
	}
	d := res.Settlement.DeficitUsd
	s.metrics.Liquidation(d != nil && d.Sign() > 0)
	s.recordPrices(ctx, set)
	return res, nil
}

// CheckLiquidation reports a position's health without changing state.
func (s *KeeperService) CheckLiquidation(ctx context.Context, p risk.LiquidationParams, in Prices) (position.Health, error) {
	set, err := s.priceSet(ctx, in, []common.Address{p.Market})
	if err != nil {
		return position.Health{}, fmt.Errorf("keeper: check liquidation: %w", err)
	}
	return risk.New(s.ds, nil, s.logger).CheckLiquidation(ctx, p, set)
}

// TokenPrice is a market token valuation.
type TokenPrice struct {
	Price *big.Int             `json:"price"`
	Info  market.PoolValueInfo `json:"info"`
}

// MarketTokenPrice values a market's pool token with pnl capped by the factor
// family t. With nil in it uses the prices recorded by the last successful
// operation instead of fresh reports.
func (s *KeeperService) MarketTokenPrice(ctx context.Context, mkt common.Address, t market.PnlFactorType, maximize bool, in *Prices) (TokenPrice, error) {
	m, err := market.GetMarket(ctx, s.ds, mkt)
	if err != nil {
		return TokenPrice{}, fmt.Errorf("keeper: market token price: %w", err)
	}
	var set *oracle.PriceSet
	if in != nil {
		set, err = s.priceSet(ctx, *in, []common.Address{mkt})
	} else {
		set, err = s.recordedSet(ctx, market.Tokens(m))
	}
	if err != nil {
		return TokenPrice{}, fmt.Errorf("keeper: market token price: %w", err)
	}
	prices, err := market.PricesFromSet(set, m)
	if err != nil {
		return TokenPrice{}, fmt.Errorf("keeper: market token price: %w", err)
	}
	price, info, err := market.GetMarketTokenPrice(ctx, s.ds, m, prices, t, maximize)
	if err != nil {
		return TokenPrice{}, fmt.Errorf("keeper: market token price: %w", err)
	}
	return TokenPrice{Price: price, Info: info}, nil
}

// AdlState returns the stored ADL state and thresholds of a market side.
func (s *KeeperService) AdlState(ctx context.Context, mkt common.Address, isLong bool) (risk.MarketRiskState, risk.Params, error) {
	state, err := risk.LoadState(ctx, s.ds, risk.StateKey{Market: mkt, IsLong: isLong})
	if err != nil {
		return risk.MarketRiskState{}, risk.Params{}, fmt.Errorf("keeper: adl state: %w", err)
	}
	params, err := risk.LoadParams(ctx, s.ds, mkt, isLong)
	if err != nil {
		return risk.MarketRiskState{}, risk.Params{}, fmt.Errorf("keeper: adl state: %w", err)
	}
	return state, params, nil
}

// run holds the locks of markets, executes fn against components that buffer
// their events, and flushes the buffer to the sink if fn succeeds.
func (s *KeeperService) run(ctx context.Context, op string, markets []common.Address, fn func(*exchange.Exchange, *risk.Controller) error) error {
	start := time.Now()
	defer func() { s.metrics.ObserveOperation(op, time.Since(start)) }()

	unlock, err := s.lockMarkets(ctx, markets)
	if err != nil {
		return err
	}
	defer unlock()

	buf := &event.Buffer{}
	if err := fn(exchange.New(s.ds, buf, s.logger), risk.New(s.ds, buf, s.logger)); err != nil {
		return err
	}
	if s.sink == nil {
		return nil
	}
	if err := buf.Flush(ctx, s.sink); err != nil {
		s.logger.WarnContext(ctx, "flush events failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// lockMarkets acquires one lock per market in address order and releases all
// of them if any is held elsewhere.
func (s *KeeperService) lockMarkets(ctx context.Context, markets []common.Address) (func(), error) {
	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, m := range markets {
		unlock, err := s.locks.Acquire(ctx, "market:"+m.Hex(), s.cfg.LockTTL)
		if err != nil {
			release()
			return nil, fmt.Errorf("lock market %s: %w", m.Hex(), err)
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// priceSet validates the reports for every token of markets. Markets that do
// not exist contribute no tokens; the operation itself reports them.
func (s *KeeperService) priceSet(ctx context.Context, in Prices, markets []common.Address) (*oracle.PriceSet, error) {
	tokens, err := s.tokensOf(ctx, markets)
	if err != nil {
		return nil, err
	}
	set, err := s.aggregator.Aggregate(ctx, oracle.Env{CurrentBlock: in.Block, CurrentTime: s.now()}, tokens, in.Reports)
	if err != nil {
		s.metrics.OracleRejected(err)
		return nil, err
	}
	return set, nil
}

func (s *KeeperService) tokensOf(ctx context.Context, markets []common.Address) ([]common.Address, error) {
	var tokens []common.Address
	for _, addr := range markets {
		m, err := market.GetMarket(ctx, s.ds, addr)
		if err != nil {
			if market.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		for _, t := range market.Tokens(m) {
			if !slices.Contains(tokens, t) {
				tokens = append(tokens, t)
			}
		}
	}
	return tokens, nil
}

// recordedSet builds a price set from the recorded mid prices of tokens.
func (s *KeeperService) recordedSet(ctx context.Context, tokens []common.Address) (*oracle.PriceSet, error) {
	prices := make(map[common.Address]domain.Price, len(tokens))
	for _, t := range tokens {
		p, err := s.ds.GetUint(ctx, keys.LatestPriceKey(t))
		if err != nil {
			return nil, err
		}
		if p.Sign() == 0 {
			return nil, fmt.Errorf("%w: no recorded price for %s", domain.ErrMissingTokenPrice, t.Hex())
		}
		prices[t] = domain.NewPrice(p, p)
	}
	return oracle.NewPriceSet(prices, 0, s.now()), nil
}

// recordPrices stores the accepted prices as the next deviation reference.
// Failures are logged; the operation has already committed.
func (s *KeeperService) recordPrices(ctx context.Context, set *oracle.PriceSet) {
	if err := oracle.RecordPrices(ctx, s.ds, set); err != nil {
		s.logger.WarnContext(ctx, "record prices failed", slog.String("error", err.Error()))
	}
	if s.cache == nil {
		return
	}
	if err := oracle.CachePrices(ctx, s.cache, set); err != nil {
		s.logger.WarnContext(ctx, "cache prices failed", slog.String("error", err.Error()))
	}
}

// orderMarkets lists the distinct non-zero markets an order touches, sorted
// so concurrent keepers acquire locks in the same order.
func orderMarkets(mkt common.Address, swapPath []common.Address) []common.Address {
	var out []common.Address
	for _, m := range append([]common.Address{mkt}, swapPath...) {
		if m == (common.Address{}) || slices.Contains(out, m) {
			continue
		}
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b common.Address) int { return bytes.Compare(a[:], b[:]) })
	return out
}
