package exchange

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
	"github.com/alanyoungcy/perpcore/internal/fixed"
	"github.com/alanyoungcy/perpcore/internal/keys"
	"github.com/alanyoungcy/perpcore/internal/market"
	"github.com/alanyoungcy/perpcore/internal/oracle"
	"github.com/alanyoungcy/perpcore/internal/position"
)

var (
	weth  = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	usdc  = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	user0 = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	user1 = common.HexToAddress("0x00000000000000000000000000000000000000c2")

	usdcPool = market.Props{
		MarketToken: common.HexToAddress("0x00000000000000000000000000000000000000d1"),
		IndexToken:  weth,
		LongToken:   usdc,
		ShortToken:  usdc,
	}
	wethUsdc = market.Props{
		MarketToken: common.HexToAddress("0x00000000000000000000000000000000000000d2"),
		IndexToken:  weth,
		LongToken:   weth,
		ShortToken:  usdc,
	}

	start = time.Unix(1_700_000_000, 0)
)

func usd(n int64) *big.Int    { return fixed.ExpandDecimals(n, 30) }
func usdcAmt(n int64) *big.Int { return fixed.ExpandDecimals(n, 6) }

func priceSet(ethUsd int64, block uint64) *oracle.PriceSet {
	eth := fixed.ExpandDecimals(ethUsd, 12)
	one := fixed.ExpandDecimals(1, 24)
	return oracle.NewPriceSet(map[common.Address]domain.Price{
		weth: domain.NewPrice(eth, eth),
		usdc: domain.NewPrice(one, one),
	}, block, start.Add(time.Duration(block)*time.Second))
}

type fixture struct {
	ds  *datastore.Store
	rec *event.Recorder
	ex  *Exchange
}

// a single-token pool of 2M USDC backing 2M market tokens
func newFixture(t *testing.T, tradersCap string) fixture {
	t.Helper()
	ctx := context.Background()
	ds := datastore.NewInMemory()
	require.NoError(t, market.CreateMarket(ctx, ds, usdcPool))
	require.NoError(t, ds.SetUint(ctx, keys.PoolAmountKey(usdcPool.MarketToken, usdc), usdcAmt(2_000_000)))
	require.NoError(t, market.SetMarketTokenSupply(ctx, ds, usdcPool.MarketToken, fixed.ExpandDecimals(2_000_000, 18)))
	setFactor(t, ds, market.PnlFactorForTraders, tradersCap)
	setFactor(t, ds, market.PnlFactorForWithdrawals, "0.5")

	rec := &event.Recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return fixture{ds: ds, rec: rec, ex: New(ds, rec, logger)}
}

func setFactor(t *testing.T, ds domain.DataStore, pt market.PnlFactorType, v string) {
	t.Helper()
	f, err := fixed.ParseFactor(v)
	require.NoError(t, err)
	for _, isLong := range []bool{true, false} {
		require.NoError(t, market.SetMaxPnlFactor(context.Background(), ds, pt, usdcPool.MarketToken, isLong, f))
	}
}

func (f fixture) open(t *testing.T, account common.Address, sizeUsd, collateral int64, block uint64) {
	t.Helper()
	ctx := context.Background()
	o, err := f.ex.CreateOrder(ctx, account, CreateOrderParams{
		Market:                       usdcPool.MarketToken,
		InitialCollateralToken:       usdc,
		SizeDeltaUsd:                 usd(sizeUsd),
		InitialCollateralDeltaAmount: usdcAmt(collateral),
		AcceptablePrice:              UnboundedAcceptablePrice(true, true),
		OrderType:                    domain.OrderTypeMarketIncrease,
		IsLong:                       true,
	}, block)
	require.NoError(t, err)
	out, err := f.ex.ExecuteOrder(ctx, o.Key, priceSet(5000, block), block)
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, out.Kind, out.Reason)
}

func (f fixture) close(t *testing.T, account common.Address, sizeUsd int64, ethUsd int64, block uint64) Outcome {
	t.Helper()
	ctx := context.Background()
	o, err := f.ex.CreateOrder(ctx, account, CreateOrderParams{
		Market:                 usdcPool.MarketToken,
		InitialCollateralToken: usdc,
		SizeDeltaUsd:           usd(sizeUsd),
		AcceptablePrice:        UnboundedAcceptablePrice(true, false),
		OrderType:              domain.OrderTypeMarketDecrease,
		IsLong:                 true,
	}, block)
	require.NoError(t, err)
	out, err := f.ex.ExecuteOrder(ctx, o.Key, priceSet(ethUsd, block), block)
	require.NoError(t, err)
	return out
}

func (f fixture) tokenPrice(t *testing.T, ethUsd int64) *big.Int {
	t.Helper()
	prices, err := market.PricesFromSet(priceSet(ethUsd, 1), usdcPool)
	require.NoError(t, err)
	p, _, err := market.GetMarketTokenPrice(context.Background(), f.ds, usdcPool, prices, market.PnlFactorForWithdrawals, true)
	require.NoError(t, err)
	return p
}

func assertBig(t *testing.T, want, got *big.Int, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, 0, want.Cmp(got), append([]any{"want %s got %s", want, got}, msgAndArgs...)...)
}

func TestUncappedProfitIsPaidInFull(t *testing.T) {
	f := newFixture(t, "0.3")
	f.open(t, user0, 250_000, 100_000, 10)
	f.open(t, user1, 250_000, 100_000, 11)

	for i, u := range []common.Address{user0, user1} {
		out := f.close(t, u, 250_000, 7500, uint64(20+i))
		require.Equal(t, OutcomeExecuted, out.Kind)
		assertBig(t, usdcAmt(225_000), out.Settlement.AmountTo(usdc, u))
		assertBig(t, usd(125_000), out.Settlement.PnlUsd)
	}

	pool, err := market.TotalPoolAmount(context.Background(), f.ds, usdcPool, usdc)
	require.NoError(t, err)
	assertBig(t, usdcAmt(1_750_000), pool)
	assert.Len(t, f.rec.Named(domain.EventPositionDecrease), 2)
}

func TestCappedProfitIsPaidProRata(t *testing.T) {
	f := newFixture(t, "0.07")
	f.open(t, user0, 250_000, 100_000, 10)
	f.open(t, user1, 250_000, 100_000, 11)

	want, _ := fixed.ParseFactor("0.875")
	assertBig(t, want, f.tokenPrice(t, 7500))

	out := f.close(t, user0, 250_000, 7500, 20)
	require.Equal(t, OutcomeExecuted, out.Kind)
	assertBig(t, usdcAmt(135_000), out.Settlement.AmountTo(usdc, user0))
	want, _ = fixed.ParseFactor("0.92")
	assertBig(t, want, f.tokenPrice(t, 7500))

	out = f.close(t, user1, 250_000, 7500, 21)
	require.Equal(t, OutcomeExecuted, out.Kind)
	assertBig(t, usdcAmt(168_775), out.Settlement.AmountTo(usdc, user1))
	want, _ = fixed.ParseFactor("0.9481125")
	assertBig(t, want, f.tokenPrice(t, 7500))
}

func TestUnacceptablePriceCancelsAndRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "0.3")

	o, err := f.ex.CreateOrder(ctx, user0, CreateOrderParams{
		Market:                       usdcPool.MarketToken,
		InitialCollateralToken:       usdc,
		SizeDeltaUsd:                 usd(100_000),
		InitialCollateralDeltaAmount: usdcAmt(10_000),
		AcceptablePrice:              fixed.ExpandDecimals(4900, 12),
		ExecutionFee:                 big.NewInt(1e15),
		OrderType:                    domain.OrderTypeMarketIncrease,
		IsLong:                       true,
	}, 10)
	require.NoError(t, err)

	out, err := f.ex.ExecuteOrder(ctx, o.Key, priceSet(5000, 11), 11)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.Equal(t, domain.ErrOrderPriceUnacceptable.Error(), out.Reason)
	assert.ErrorIs(t, out.Cause, domain.ErrOrderPriceUnacceptable)
	assertBig(t, usdcAmt(10_000), out.Settlement.AmountTo(usdc, user0))
	assertBig(t, big.NewInt(1e15), out.Settlement.AmountTo(NativeToken, user0))

	_, err = f.ex.Orders().Get(ctx, o.Key)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	_, err = position.NewStore(f.ds).Get(ctx, position.Key(user0, usdcPool.MarketToken, usdc, true))
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
	oi, err := market.OpenInterest(ctx, f.ds, usdcPool, true)
	require.NoError(t, err)
	assert.Zero(t, oi.Sign())
	assert.Equal(t, []string{domain.EventOrderCreated, domain.EventOrderCancelled}, f.rec.Names())
}

func TestDustIncreaseCancels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "0.3")
	minSize, err := f.ds.GetUint(ctx, keys.MinPositionSizeUsd)
	require.NoError(t, err)
	require.Zero(t, minSize.Sign())

	// 1e-27 USD buys less than one wei of WETH at 5000
	o, err := f.ex.CreateOrder(ctx, user0, CreateOrderParams{
		Market:                       usdcPool.MarketToken,
		InitialCollateralToken:       usdc,
		SizeDeltaUsd:                 big.NewInt(1000),
		InitialCollateralDeltaAmount: usdcAmt(10),
		AcceptablePrice:              UnboundedAcceptablePrice(true, true),
		OrderType:                    domain.OrderTypeMarketIncrease,
		IsLong:                       true,
	}, 10)
	require.NoError(t, err)

	var out Outcome
	require.NotPanics(t, func() {
		out, err = f.ex.ExecuteOrder(ctx, o.Key, priceSet(5000, 11), 11)
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.ErrorIs(t, out.Cause, domain.ErrEmptySizeDeltaInTokens)
	assertBig(t, usdcAmt(10), out.Settlement.AmountTo(usdc, user0))

	_, err = position.NewStore(f.ds).Get(ctx, position.Key(user0, usdcPool.MarketToken, usdc, true))
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
	pool, err := f.ds.GetUint(ctx, keys.PoolAmountKey(usdcPool.MarketToken, usdc))
	require.NoError(t, err)
	assertBig(t, usdcAmt(2_000_000), pool)
}

func TestOutcomeMatch(t *testing.T) {
	var got string
	Outcome{Kind: OutcomeFrozen, Reason: "r"}.Match(
		func(Settlement) { got = "executed" },
		func(string, Settlement) { got = "cancelled" },
		func(reason string) { got = "frozen " + reason },
	)
	assert.Equal(t, "frozen r", got)
}

func TestDisabledMarketFreezesOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "0.3")
	o, err := f.ex.CreateOrder(ctx, user0, CreateOrderParams{
		Market:                       usdcPool.MarketToken,
		InitialCollateralToken:       usdc,
		SizeDeltaUsd:                 usd(100_000),
		InitialCollateralDeltaAmount: usdcAmt(10_000),
		AcceptablePrice:              UnboundedAcceptablePrice(true, true),
		OrderType:                    domain.OrderTypeMarketIncrease,
		IsLong:                       true,
	}, 10)
	require.NoError(t, err)
	require.NoError(t, market.SetDisabled(ctx, f.ds, usdcPool.MarketToken, true))

	out, err := f.ex.ExecuteOrder(ctx, o.Key, priceSet(5000, 11), 11)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFrozen, out.Kind)
	assert.ErrorIs(t, out.Cause, domain.ErrMarketDisabled)

	stored, err := f.ex.Orders().Get(ctx, o.Key)
	require.NoError(t, err)
	assert.True(t, stored.IsFrozen)
	assert.Equal(t, uint64(11), stored.UpdatedAtBlock)
}

func TestSwapOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "0.3")
	require.NoError(t, market.CreateMarket(ctx, f.ds, wethUsdc))
	require.NoError(t, f.ds.SetUint(ctx, keys.PoolAmountKey(wethUsdc.MarketToken, weth), fixed.ExpandDecimals(100, 18)))
	require.NoError(t, f.ds.SetUint(ctx, keys.PoolAmountKey(wethUsdc.MarketToken, usdc), usdcAmt(6_000)))

	swap := func(amountEth int64) (Outcome, domain.Order) {
		o, err := f.ex.CreateOrder(ctx, user0, CreateOrderParams{
			Receiver:                     user1,
			InitialCollateralToken:       weth,
			SwapPath:                     []common.Address{wethUsdc.MarketToken},
			InitialCollateralDeltaAmount: fixed.ExpandDecimals(amountEth, 18),
			OrderType:                    domain.OrderTypeMarketSwap,
		}, 10)
		require.NoError(t, err)
		out, err := f.ex.ExecuteOrder(ctx, o.Key, priceSet(5000, 11), 11)
		require.NoError(t, err)
		return out, o
	}

	out, _ := swap(1)
	require.Equal(t, OutcomeExecuted, out.Kind)
	assertBig(t, usdcAmt(5_000), out.Settlement.AmountTo(usdc, user1))

	// 1,000 USDC left cannot pay for another ether
	out, o := swap(1)
	assert.Equal(t, OutcomeFrozen, out.Kind)
	assert.ErrorIs(t, out.Cause, domain.ErrInsufficientPoolAmount)
	stored, err := f.ex.Orders().Get(ctx, o.Key)
	require.NoError(t, err)
	assert.True(t, stored.IsFrozen)

	pool, err := market.PoolAmount(ctx, f.ds, wethUsdc, usdc)
	require.NoError(t, err)
	assertBig(t, usdcAmt(1_000), pool)
	assert.Len(t, f.rec.Named(domain.EventSwap), 1)
}

func TestUntriggeredLimitOrderIsUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "0.3")
	o, err := f.ex.CreateOrder(ctx, user0, CreateOrderParams{
		Market:                       usdcPool.MarketToken,
		InitialCollateralToken:       usdc,
		SizeDeltaUsd:                 usd(100_000),
		InitialCollateralDeltaAmount: usdcAmt(10_000),
		TriggerPrice:                 fixed.ExpandDecimals(4900, 12),
		AcceptablePrice:              fixed.ExpandDecimals(4950, 12),
		OrderType:                    domain.OrderTypeLimitIncrease,
		IsLong:                       true,
	}, 10)
	require.NoError(t, err)

	_, err = f.ex.ExecuteOrder(ctx, o.Key, priceSet(5000, 11), 11)
	assert.ErrorIs(t, err, domain.ErrOrderNotTriggered)
	stored, err := f.ex.Orders().Get(ctx, o.Key)
	require.NoError(t, err)
	assert.False(t, stored.IsFrozen)

	out, err := f.ex.ExecuteOrder(ctx, o.Key, priceSet(4900, 12), 12)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, out.Kind)
}

func TestExecuteMissingOrder(t *testing.T) {
	f := newFixture(t, "0.3")
	_, err := f.ex.ExecuteOrder(context.Background(), common.HexToHash("0x01"), priceSet(5000, 1), 1)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestCreateOrderValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "0.3")
	tests := []struct {
		name string
		p    CreateOrderParams
		want error
	}{
		{"liquidation", CreateOrderParams{Market: usdcPool.MarketToken, OrderType: domain.OrderTypeLiquidation, SizeDeltaUsd: usd(1)}, domain.ErrUnsupportedOrderType},
		{"unknown market", CreateOrderParams{Market: common.HexToAddress("0xdead"), OrderType: domain.OrderTypeMarketIncrease, SizeDeltaUsd: usd(1)}, domain.ErrMarketNotFound},
		{"empty increase", CreateOrderParams{Market: usdcPool.MarketToken, OrderType: domain.OrderTypeMarketIncrease}, domain.ErrInvalidOrder},
		{"empty decrease", CreateOrderParams{Market: usdcPool.MarketToken, OrderType: domain.OrderTypeMarketDecrease}, domain.ErrInvalidDecreaseSize},
		{"limit without trigger", CreateOrderParams{Market: usdcPool.MarketToken, OrderType: domain.OrderTypeLimitDecrease, SizeDeltaUsd: usd(1)}, domain.ErrInvalidOrder},
		{"swap without path", CreateOrderParams{OrderType: domain.OrderTypeMarketSwap, InitialCollateralDeltaAmount: usdcAmt(1)}, domain.ErrInvalidSwapPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ex.CreateOrder(ctx, user0, tt.p, 1)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	n, err := f.ds.GetBytes32Count(ctx, keys.OrderList)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "0.3")
	o, err := f.ex.CreateOrder(ctx, user0, CreateOrderParams{
		Market:                 usdcPool.MarketToken,
		InitialCollateralToken: usdc,
		SizeDeltaUsd:           usd(1_000),
		ExecutionFee:           big.NewInt(7),
		OrderType:              domain.OrderTypeMarketDecrease,
		IsLong:                 true,
	}, 1)
	require.NoError(t, err)

	_, err = f.ex.CancelOrder(ctx, user1, o.Key, 2)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	out, err := f.ex.CancelOrder(ctx, user0, o.Key, 2)
	require.NoError(t, err)
	assert.Equal(t, ReasonUserCancelled, out.Reason)
	assertBig(t, big.NewInt(7), out.Settlement.AmountTo(NativeToken, user0))
	assertBig(t, new(big.Int), out.Settlement.AmountTo(usdc, user0))
	_, err = f.ex.Orders().Get(ctx, o.Key)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestDecreaseLargerThanPositionIsClamped(t *testing.T) {
	f := newFixture(t, "0.3")
	f.open(t, user0, 100_000, 10_000, 10)

	out := f.close(t, user0, 150_000, 5000, 20)
	require.Equal(t, OutcomeExecuted, out.Kind)
	assertBig(t, usd(100_000), out.Settlement.SizeDeltaUsd)
	assertBig(t, usdcAmt(10_000), out.Settlement.AmountTo(usdc, user0))
}

func TestAcceptablePriceDirections(t *testing.T) {
	p := big.NewInt(100)
	assert.True(t, acceptableForIncrease(p, big.NewInt(100), true))
	assert.False(t, acceptableForIncrease(p, big.NewInt(99), true))
	assert.True(t, acceptableForIncrease(p, big.NewInt(99), false))
	assert.True(t, acceptableForDecrease(p, big.NewInt(99), true))
	assert.False(t, acceptableForDecrease(p, big.NewInt(99), false))
	assert.True(t, acceptableForDecrease(p, UnboundedAcceptablePrice(true, false), true))
	assert.True(t, acceptableForIncrease(p, UnboundedAcceptablePrice(true, true), true))
	assert.True(t, acceptableForDecrease(p, UnboundedAcceptablePrice(false, false), false))
}
