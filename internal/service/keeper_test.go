package service

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpcore/internal/datastore"
	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/event"
	"github.com/alanyoungcy/perpcore/internal/exchange"
	"github.com/alanyoungcy/perpcore/internal/fixed"
	"github.com/alanyoungcy/perpcore/internal/keys"
	"github.com/alanyoungcy/perpcore/internal/market"
	"github.com/alanyoungcy/perpcore/internal/metrics"
	"github.com/alanyoungcy/perpcore/internal/oracle"
	"github.com/alanyoungcy/perpcore/internal/risk"
)

var (
	weth   = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	usdc   = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	signer = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	alice  = common.HexToAddress("0x00000000000000000000000000000000000000c1")

	pool = market.Props{
		MarketToken: common.HexToAddress("0x00000000000000000000000000000000000000d1"),
		IndexToken:  weth,
		LongToken:   usdc,
		ShortToken:  usdc,
	}

	now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
)

func usd(n int64) *big.Int     { return fixed.ExpandDecimals(n, 30) }
func usdcAmt(n int64) *big.Int { return fixed.ExpandDecimals(n, 6) }

func factor(t *testing.T, s string) *big.Int {
	t.Helper()
	f, err := fixed.ParseFactor(s)
	require.NoError(t, err)
	return f
}

type fixture struct {
	ds    *datastore.Store
	rec   *event.Recorder
	locks *LocalLocks
	svc   *KeeperService
}

// a 2M USDC single-token pool on a WETH index with ADL between 2% and 5%
func newFixture(t *testing.T, cfg oracle.Config) fixture {
	t.Helper()
	return newFixtureOn(t, datastore.NewMemory(), cfg)
}

func newFixtureOn(t *testing.T, backend domain.Backend, cfg oracle.Config) fixture {
	t.Helper()
	ctx := context.Background()
	ds := datastore.New(backend)
	require.NoError(t, market.CreateMarket(ctx, ds, pool))
	require.NoError(t, ds.SetUint(ctx, keys.PoolAmountKey(pool.MarketToken, usdc), usdcAmt(2_000_000)))
	require.NoError(t, market.SetMarketTokenSupply(ctx, ds, pool.MarketToken, fixed.ExpandDecimals(2_000_000, 18)))
	for _, isLong := range []bool{true, false} {
		require.NoError(t, market.SetMaxPnlFactor(ctx, ds, market.PnlFactorForTraders, pool.MarketToken, isLong, factor(t, "0.5")))
		require.NoError(t, market.SetMaxPnlFactor(ctx, ds, market.PnlFactorForWithdrawals, pool.MarketToken, isLong, factor(t, "0.5")))
		require.NoError(t, risk.StoreParams(ctx, ds, pool.MarketToken, isLong, risk.Params{
			MaxPnlFactorForAdl:   factor(t, "0.05"),
			MinPnlFactorAfterAdl: factor(t, "0.02"),
		}))
	}

	registry, err := oracle.NewRegistry([]oracle.TokenConfig{
		{Token: weth, Exponent: -8, TokenDecimals: 18, Heartbeat: time.Hour},
		{Token: usdc, Exponent: -8, TokenDecimals: 6, Heartbeat: time.Hour, StablePrice: fixed.ExpandDecimals(1, 24)},
	})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	agg := oracle.NewAggregator(cfg, registry, oracle.NewStoreReference(ds), logger)
	rec := &event.Recorder{}
	locks := NewLocalLocks()
	svc := NewKeeperService(ds, agg, locks, rec, nil, metrics.New(), KeeperConfig{}, logger)
	svc.now = func() time.Time { return now }
	return fixture{ds: ds, rec: rec, locks: locks, svc: svc}
}

func prices(ethUsd int64, block uint64) Prices {
	return Prices{
		Block: block,
		Reports: []oracle.PriceReport{{
			Token:       weth,
			Signer:      signer,
			Min:         fixed.ExpandDecimals(ethUsd, 8),
			Max:         fixed.ExpandDecimals(ethUsd, 8),
			Timestamp:   now.Add(-time.Minute),
			BlockNumber: block,
		}},
	}
}

func (f fixture) createLong(t *testing.T, sizeUsd, collateral int64) domain.Order {
	t.Helper()
	o, err := f.svc.CreateOrder(context.Background(), alice, exchange.CreateOrderParams{
		Market:                       pool.MarketToken,
		InitialCollateralToken:       usdc,
		SizeDeltaUsd:                 usd(sizeUsd),
		InitialCollateralDeltaAmount: usdcAmt(collateral),
		AcceptablePrice:              exchange.UnboundedAcceptablePrice(true, true),
		OrderType:                    domain.OrderTypeMarketIncrease,
		IsLong:                       true,
	}, 1)
	require.NoError(t, err)
	return o
}

func TestExecuteOrderFlushesEventsAndRecordsPrices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, oracle.Config{})
	o := f.createLong(t, 500_000, 100_000)
	assert.Equal(t, []string{domain.EventOrderCreated}, f.rec.Names())

	out, err := f.svc.ExecuteOrder(ctx, o.Key, prices(5000, 2))
	require.NoError(t, err)
	require.Equal(t, exchange.OutcomeExecuted, out.Kind, out.Reason)
	assert.Contains(t, f.rec.Names(), domain.EventPositionIncrease)
	assert.Equal(t, domain.EventOrderExecuted, f.rec.Names()[len(f.rec.Names())-1])

	ref, err := f.ds.GetUint(ctx, keys.LatestPriceKey(weth))
	require.NoError(t, err)
	assert.Equal(t, 0, ref.Cmp(fixed.ExpandDecimals(5000, 12)))
}

func TestOracleRejectionLeavesOrderPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, oracle.Config{})
	o := f.createLong(t, 500_000, 100_000)

	stale := prices(5000, 2)
	stale.Reports[0].Timestamp = now.Add(-2 * time.Hour)
	_, err := f.svc.ExecuteOrder(ctx, o.Key, stale)
	require.ErrorIs(t, err, domain.ErrStalePrice)

	_, err = f.svc.GetOrder(ctx, o.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.EventOrderCreated}, f.rec.Names())
}

func TestDeviationIsCheckedAgainstLastExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, oracle.Config{MaxRefPriceDeviationFactor: factor(t, "0.1")})
	first := f.createLong(t, 100_000, 50_000)
	second := f.createLong(t, 100_000, 50_000)

	out, err := f.svc.ExecuteOrder(ctx, first.Key, prices(5000, 2))
	require.NoError(t, err)
	require.Equal(t, exchange.OutcomeExecuted, out.Kind, out.Reason)

	_, err = f.svc.ExecuteOrder(ctx, second.Key, prices(6000, 3))
	require.ErrorIs(t, err, domain.ErrPriceDeviationExceeded)

	out, err = f.svc.ExecuteOrder(ctx, second.Key, prices(5200, 3))
	require.NoError(t, err)
	assert.Equal(t, exchange.OutcomeExecuted, out.Kind, out.Reason)
}

func TestHeldMarketLockRejectsKeeper(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, oracle.Config{})
	o := f.createLong(t, 500_000, 100_000)

	unlock, err := f.locks.Acquire(ctx, "market:"+pool.MarketToken.Hex(), time.Minute)
	require.NoError(t, err)

	_, err = f.svc.ExecuteOrder(ctx, o.Key, prices(5000, 2))
	require.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	out, err := f.svc.ExecuteOrder(ctx, o.Key, prices(5000, 2))
	require.NoError(t, err)
	assert.Equal(t, exchange.OutcomeExecuted, out.Kind, out.Reason)
}

func TestExecuteMissingOrder(t *testing.T) {
	f := newFixture(t, oracle.Config{})
	_, err := f.svc.ExecuteOrder(context.Background(), common.HexToHash("0x01"), prices(5000, 2))
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestAdlLifecycleThroughService(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, oracle.Config{})
	o := f.createLong(t, 500_000, 100_000)
	out, err := f.svc.ExecuteOrder(ctx, o.Key, prices(5000, 2))
	require.NoError(t, err)
	require.Equal(t, exchange.OutcomeExecuted, out.Kind, out.Reason)

	_, err = f.svc.ExecuteAdl(ctx, risk.AdlParams{
		Account: alice, Market: pool.MarketToken, CollateralToken: usdc, IsLong: true, SizeDeltaUsd: usd(50_000),
	}, prices(6000, 10))
	require.ErrorIs(t, err, domain.ErrAdlNotEnabled)

	up, err := f.svc.UpdateAdlState(ctx, pool.MarketToken, true, prices(6000, 10))
	require.NoError(t, err)
	assert.True(t, up.Changed)
	assert.Len(t, f.rec.Named(domain.EventAdlStateUpdated), 1)

	state, params, err := f.svc.AdlState(ctx, pool.MarketToken, true)
	require.NoError(t, err)
	assert.Equal(t, risk.MarketRiskState{IsAdlEnabled: true, LatestAdlBlock: 10}, state)
	assert.Equal(t, 0, params.MaxPnlFactorForAdl.Cmp(factor(t, "0.05")))

	res, err := f.svc.ExecuteAdl(ctx, risk.AdlParams{
		Account: alice, Market: pool.MarketToken, CollateralToken: usdc, IsLong: true, SizeDeltaUsd: usd(50_000),
	}, prices(6000, 11))
	require.NoError(t, err)
	assert.Equal(t, -1, res.PnlFactorAfter.Cmp(res.PnlFactorBefore))
}

func TestMarketTokenPriceOfIdlePool(t *testing.T) {
	f := newFixture(t, oracle.Config{})
	ctx := context.Background()
	in := prices(5000, 2)
	tp, err := f.svc.MarketTokenPrice(ctx, pool.MarketToken, market.PnlFactorForWithdrawals, true, &in)
	require.NoError(t, err)
	assert.Equal(t, 0, tp.Price.Cmp(usd(1)))
	assert.Equal(t, 0, tp.Info.PoolValue.Cmp(usd(2_000_000)))

	// nothing has executed yet, so there are no recorded prices
	_, err = f.svc.MarketTokenPrice(ctx, pool.MarketToken, market.PnlFactorForWithdrawals, true, nil)
	require.ErrorIs(t, err, domain.ErrMissingTokenPrice)
}

func TestMarketTokenPriceAtRecordedPrices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, oracle.Config{})
	o := f.createLong(t, 500_000, 100_000)
	out, err := f.svc.ExecuteOrder(ctx, o.Key, prices(5000, 2))
	require.NoError(t, err)
	require.Equal(t, exchange.OutcomeExecuted, out.Kind, out.Reason)

	tp, err := f.svc.MarketTokenPrice(ctx, pool.MarketToken, market.PnlFactorForWithdrawals, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, tp.Price.Sign())
}

func TestLocalLocksExpireAndIgnoreStaleUnlock(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocks()
	clock := now
	l.now = func() time.Time { return clock }

	first, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "k", time.Second)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	clock = clock.Add(2 * time.Second)
	second, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	first()
	_, err = l.Acquire(ctx, "k", time.Second)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	second()
	_, err = l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
}

// slowBackend stretches the gap between drawing a counter and writing the
// batch that uses it.
type slowBackend struct {
	*datastore.Memory
}

func (b slowBackend) Get(ctx context.Context, ns domain.Namespace, key common.Hash) ([]byte, bool, error) {
	v, ok, err := b.Memory.Get(ctx, ns, key)
	if key == keys.Nonce {
		time.Sleep(5 * time.Millisecond)
	}
	return v, ok, err
}

func (b slowBackend) Incr(ctx context.Context, key common.Hash) (uint64, error) {
	n, err := b.Memory.Incr(ctx, key)
	time.Sleep(5 * time.Millisecond)
	return n, err
}

func TestConcurrentCreateOrderOnDifferentMarketsGetsDistinctKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixtureOn(t, slowBackend{datastore.NewMemory()}, oracle.Config{})

	second := pool
	second.MarketToken = common.HexToAddress("0x00000000000000000000000000000000000000d2")
	require.NoError(t, market.CreateMarket(ctx, f.ds, second))
	require.NoError(t, f.ds.SetUint(ctx, keys.PoolAmountKey(second.MarketToken, usdc), usdcAmt(2_000_000)))

	var (
		wg     sync.WaitGroup
		orders [2]domain.Order
		errs   [2]error
	)
	for i, m := range []common.Address{pool.MarketToken, second.MarketToken} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orders[i], errs[i] = f.svc.CreateOrder(ctx, alice, exchange.CreateOrderParams{
				Market:                       m,
				InitialCollateralToken:       usdc,
				SizeDeltaUsd:                 usd(10_000),
				InitialCollateralDeltaAmount: usdcAmt(1_000),
				AcceptablePrice:              exchange.UnboundedAcceptablePrice(true, true),
				OrderType:                    domain.OrderTypeMarketIncrease,
				IsLong:                       true,
			}, 1)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, orders[0].Key, orders[1].Key)

	n, err := f.ds.GetBytes32Count(ctx, keys.OrderList)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, o := range orders {
		stored, err := f.svc.GetOrder(ctx, o.Key)
		require.NoError(t, err)
		assert.Equal(t, o.Market, stored.Market)
	}
}
