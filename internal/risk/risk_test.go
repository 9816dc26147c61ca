package risk

import (
	"context"
	"io"
	"log/slog"
	"math/big"
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
	"github.com/alanyoungcy/perpcore/internal/oracle"
	"github.com/alanyoungcy/perpcore/internal/position"
)

var (
	weth  = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	usdc  = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	alice = common.HexToAddress("0x00000000000000000000000000000000000000c1")

	mkt = market.Props{
		MarketToken: common.HexToAddress("0x00000000000000000000000000000000000000d1"),
		IndexToken:  weth,
		LongToken:   usdc,
		ShortToken:  usdc,
	}
	longSide = StateKey{Market: mkt.MarketToken, IsLong: true}
)

func usd(n int64) *big.Int     { return fixed.ExpandDecimals(n, 30) }
func usdcAmt(n int64) *big.Int { return fixed.ExpandDecimals(n, 6) }

func factor(t *testing.T, s string) *big.Int {
	t.Helper()
	f, err := fixed.ParseFactor(s)
	require.NoError(t, err)
	return f
}

func priceSet(ethUsd int64, block uint64) *oracle.PriceSet {
	eth := fixed.ExpandDecimals(ethUsd, 12)
	one := fixed.ExpandDecimals(1, 24)
	return oracle.NewPriceSet(map[common.Address]domain.Price{
		weth: domain.NewPrice(eth, eth),
		usdc: domain.NewPrice(one, one),
	}, block, time.Unix(1_700_000_000+int64(block), 0))
}

// a 2M USDC single-token pool with ADL between 2% and 5% on both sides
func newController(t *testing.T) (*Controller, *datastore.Store, *event.Recorder) {
	t.Helper()
	ctx := context.Background()
	ds := datastore.NewInMemory()
	require.NoError(t, market.CreateMarket(ctx, ds, mkt))
	require.NoError(t, ds.SetUint(ctx, keys.PoolAmountKey(mkt.MarketToken, usdc), usdcAmt(2_000_000)))
	require.NoError(t, market.SetMarketTokenSupply(ctx, ds, mkt.MarketToken, fixed.ExpandDecimals(2_000_000, 18)))
	for _, isLong := range []bool{true, false} {
		require.NoError(t, market.SetMaxPnlFactor(ctx, ds, market.PnlFactorForTraders, mkt.MarketToken, isLong, factor(t, "0.5")))
		require.NoError(t, StoreParams(ctx, ds, mkt.MarketToken, isLong, Params{
			MaxPnlFactorForAdl:   factor(t, "0.05"),
			MinPnlFactorAfterAdl: factor(t, "0.02"),
		}))
	}
	rec := &event.Recorder{}
	return New(ds, rec, slog.New(slog.NewTextHandler(io.Discard, nil))), ds, rec
}

func openLong(t *testing.T, ds domain.DataStore, sizeUsd, collateral int64) {
	t.Helper()
	_, err := exchange.IncreasePosition(context.Background(), ds, exchange.IncreaseParams{
		Market:           mkt,
		PriceSet:         priceSet(5000, 1),
		Account:          alice,
		CollateralToken:  usdc,
		CollateralAmount: usdcAmt(collateral),
		SizeDeltaUsd:     usd(sizeUsd),
		AcceptablePrice:  exchange.UnboundedAcceptablePrice(true, true),
		IsLong:           true,
		Meta:             exchange.EventMeta{Block: 1},
	})
	require.NoError(t, err)
}

func aliceLong(t *testing.T, ds domain.DataStore) (domain.Position, error) {
	t.Helper()
	return position.NewStore(ds).Get(context.Background(), position.Key(alice, mkt.MarketToken, usdc, true))
}

func TestParamsRoundTrip(t *testing.T) {
	_, ds, _ := newController(t)
	p, err := LoadParams(context.Background(), ds, mkt.MarketToken, true)
	require.NoError(t, err)
	assert.Equal(t, 0, p.MaxPnlFactorForAdl.Cmp(factor(t, "0.05")))
	assert.Equal(t, 0, p.MinPnlFactorAfterAdl.Cmp(factor(t, "0.02")))
}

func TestAdlStateTransitions(t *testing.T) {
	ctx := context.Background()
	c, ds, rec := newController(t)
	openLong(t, ds, 500_000, 100_000)

	s, err := c.State(ctx, longSide)
	require.NoError(t, err)
	assert.False(t, s.IsAdlEnabled)

	up, err := c.UpdateAdlState(ctx, mkt.MarketToken, true, priceSet(5000, 5), 5)
	require.NoError(t, err)
	assert.False(t, up.Changed)

	// 100k of profit against 1M of long-side pool
	up, err = c.UpdateAdlState(ctx, mkt.MarketToken, true, priceSet(6000, 10), 10)
	require.NoError(t, err)
	assert.True(t, up.Changed)
	assert.Equal(t, 0, up.PnlFactor.Cmp(factor(t, "0.1")))
	assert.Equal(t, MarketRiskState{IsAdlEnabled: true, LatestAdlBlock: 10}, up.State)

	up, err = c.UpdateAdlState(ctx, mkt.MarketToken, true, priceSet(6000, 10), 10)
	require.NoError(t, err)
	assert.False(t, up.Changed)
	assert.Len(t, rec.Named(domain.EventAdlStateUpdated), 1)

	// between the thresholds nothing moves
	up, err = c.UpdateAdlState(ctx, mkt.MarketToken, true, priceSet(5300, 11), 11)
	require.NoError(t, err)
	assert.False(t, up.Changed)
	assert.True(t, up.State.IsAdlEnabled)

	up, err = c.UpdateAdlState(ctx, mkt.MarketToken, true, priceSet(5100, 12), 12)
	require.NoError(t, err)
	assert.True(t, up.Changed)
	assert.Equal(t, MarketRiskState{IsAdlEnabled: false, LatestAdlBlock: 10}, up.State)
	assert.Len(t, rec.Named(domain.EventAdlStateUpdated), 2)

	short, err := c.State(ctx, StateKey{Market: mkt.MarketToken, IsLong: false})
	require.NoError(t, err)
	assert.Equal(t, MarketRiskState{}, short)
}

func TestExecuteAdlRequiresEnabledSide(t *testing.T) {
	ctx := context.Background()
	c, ds, _ := newController(t)
	openLong(t, ds, 500_000, 100_000)

	_, err := c.ExecuteAdl(ctx, AdlParams{
		Account: alice, Market: mkt.MarketToken, CollateralToken: usdc, IsLong: true, SizeDeltaUsd: usd(250_000),
	}, priceSet(6000, 10), 10)
	assert.ErrorIs(t, err, domain.ErrAdlNotEnabled)
}

func TestExecuteAdlLowersPnlFactor(t *testing.T) {
	ctx := context.Background()
	c, ds, rec := newController(t)
	openLong(t, ds, 500_000, 100_000)
	_, err := c.UpdateAdlState(ctx, mkt.MarketToken, true, priceSet(6000, 10), 10)
	require.NoError(t, err)

	res, err := c.ExecuteAdl(ctx, AdlParams{
		Account: alice, Market: mkt.MarketToken, CollateralToken: usdc, IsLong: true, SizeDeltaUsd: usd(250_000),
	}, priceSet(6000, 11), 11)
	require.NoError(t, err)
	assert.Equal(t, 0, res.PnlFactorBefore.Cmp(factor(t, "0.1")))
	assert.Equal(t, -1, res.PnlFactorAfter.Cmp(res.PnlFactorBefore))
	// 50k of profit left against 975k
	want := fixed.ToFactor(usd(50_000), usd(975_000))
	assert.Equal(t, 0, want.Cmp(res.PnlFactorAfter))
	assert.Equal(t, 0, usdcAmt(50_000).Cmp(res.Settlement.AmountTo(usdc, alice)))

	pos, err := aliceLong(t, ds)
	require.NoError(t, err)
	assert.Equal(t, 0, usd(250_000).Cmp(pos.SizeInUsd))

	decs := rec.Named(domain.EventPositionDecrease)
	require.Len(t, decs, 1)
	assert.Equal(t, domain.SecondaryOrderTypeAdl, decs[0].SecondaryOrderType)
}

func TestExecuteAdlRollsBackWithoutImprovement(t *testing.T) {
	ctx := context.Background()
	c, ds, rec := newController(t)
	openLong(t, ds, 500_000, 100_000)
	_, err := c.UpdateAdlState(ctx, mkt.MarketToken, true, priceSet(6000, 10), 10)
	require.NoError(t, err)
	rec.Reset()

	// at the entry price there is no profit to take
	_, err = c.ExecuteAdl(ctx, AdlParams{
		Account: alice, Market: mkt.MarketToken, CollateralToken: usdc, IsLong: true, SizeDeltaUsd: usd(250_000),
	}, priceSet(5000, 11), 11)
	assert.ErrorIs(t, err, domain.ErrAdlNotExpectedToImprove)

	pos, err := aliceLong(t, ds)
	require.NoError(t, err)
	assert.Equal(t, 0, usd(500_000).Cmp(pos.SizeInUsd))
	assert.Empty(t, rec.Events())
}

func TestExecuteAdlOvercorrection(t *testing.T) {
	ctx := context.Background()
	c, ds, _ := newController(t)
	openLong(t, ds, 500_000, 100_000)
	_, err := c.UpdateAdlState(ctx, mkt.MarketToken, true, priceSet(6000, 10), 10)
	require.NoError(t, err)

	_, err = c.ExecuteAdl(ctx, AdlParams{
		Account: alice, Market: mkt.MarketToken, CollateralToken: usdc, IsLong: true, SizeDeltaUsd: usd(500_000),
	}, priceSet(6000, 11), 11)
	assert.ErrorIs(t, err, domain.ErrPnlOvercorrected)

	_, err = aliceLong(t, ds)
	assert.NoError(t, err)
}

func TestExecuteAdlRejectsPricesOlderThanEnablement(t *testing.T) {
	ctx := context.Background()
	c, ds, _ := newController(t)
	openLong(t, ds, 500_000, 100_000)
	_, err := c.UpdateAdlState(ctx, mkt.MarketToken, true, priceSet(6000, 10), 10)
	require.NoError(t, err)

	_, err = c.ExecuteAdl(ctx, AdlParams{
		Account: alice, Market: mkt.MarketToken, CollateralToken: usdc, IsLong: true, SizeDeltaUsd: usd(100_000),
	}, priceSet(6000, 9), 11)
	assert.ErrorIs(t, err, domain.ErrOracleBlockBeforeAdl)
}

func TestSuccessfulAdlAlwaysLowersFactor(t *testing.T) {
	ctx := context.Background()
	for size := int64(25_000); size <= 500_000; size += 25_000 {
		c, ds, _ := newController(t)
		openLong(t, ds, 500_000, 100_000)
		_, err := c.UpdateAdlState(ctx, mkt.MarketToken, true, priceSet(6500, 10), 10)
		require.NoError(t, err)

		res, err := c.ExecuteAdl(ctx, AdlParams{
			Account: alice, Market: mkt.MarketToken, CollateralToken: usdc, IsLong: true, SizeDeltaUsd: usd(size),
		}, priceSet(6500, 10), 10)
		if err != nil {
			assert.ErrorIs(t, err, domain.ErrPnlOvercorrected, "size %d", size)
			continue
		}
		assert.Equal(t, -1, res.PnlFactorAfter.Cmp(res.PnlFactorBefore), "size %d", size)
		assert.GreaterOrEqual(t, res.PnlFactorAfter.Cmp(factor(t, "0.02")), 0, "size %d", size)
	}
}

func TestLiquidationThreshold(t *testing.T) {
	ctx := context.Background()
	c, ds, rec := newController(t)
	require.NoError(t, ds.SetUint(ctx, keys.MinCollateralFactorKey(mkt.MarketToken), factor(t, "0.01")))
	openLong(t, ds, 100_000, 10_000)
	p := LiquidationParams{Account: alice, Market: mkt.MarketToken, CollateralToken: usdc, IsLong: true}

	_, err := c.ExecuteLiquidation(ctx, p, priceSet(5000, 10), 10)
	assert.ErrorIs(t, err, domain.ErrPositionNotLiquidatable)
	_, err = aliceLong(t, ds)
	require.NoError(t, err)

	h, err := c.CheckLiquidation(ctx, p, priceSet(4550, 11))
	require.NoError(t, err)
	assert.True(t, h.Liquidatable())

	// 9,000 of loss leaves exactly the 1% minimum
	res, err := c.ExecuteLiquidation(ctx, p, priceSet(4550, 11), 11)
	require.NoError(t, err)
	assert.Equal(t, 0, usdcAmt(1_000).Cmp(res.Settlement.AmountTo(usdc, alice)))
	assert.Zero(t, res.Settlement.DeficitUsd.Sign())

	_, err = aliceLong(t, ds)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
	pool, err := market.TotalPoolAmount(ctx, ds, mkt, usdc)
	require.NoError(t, err)
	assert.Equal(t, 0, usdcAmt(2_009_000).Cmp(pool))
	assert.Len(t, rec.Named(domain.EventPositionLiquidated), 1)

	_, err = c.ExecuteLiquidation(ctx, p, priceSet(4550, 12), 12)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestLiquidationRecordsDeficit(t *testing.T) {
	ctx := context.Background()
	c, ds, _ := newController(t)
	openLong(t, ds, 100_000, 10_000)

	// 11,000 of loss against 10,000 of collateral
	res, err := c.ExecuteLiquidation(ctx, LiquidationParams{
		Account: alice, Market: mkt.MarketToken, CollateralToken: usdc, IsLong: true,
	}, priceSet(4450, 10), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, usd(1_000).Cmp(res.Settlement.DeficitUsd))
	assert.Empty(t, res.Settlement.Transfers)
}
