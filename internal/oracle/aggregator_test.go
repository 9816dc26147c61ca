package oracle

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
	"github.com/alanyoungcy/perpcore/internal/fixed"
)

var (
	weth    = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	usdc    = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	wbtc    = common.HexToAddress("0x0000000000000000000000000000000000000e03")
	signerA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	signerB = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	signerC = common.HexToAddress("0x00000000000000000000000000000000000000a3")

	now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry([]TokenConfig{
		{Token: weth, Exponent: -8, TokenDecimals: 18, Heartbeat: time.Hour},
		{Token: wbtc, FeedDecimals: 8, TokenDecimals: 8, Heartbeat: time.Hour},
		{Token: usdc, Exponent: -8, TokenDecimals: 6, Heartbeat: time.Hour, StablePrice: fixed.ExpandDecimals(1, 24)},
	})
	require.NoError(t, err)
	return r
}

func report(token, signer common.Address, min, max int64, age time.Duration, block uint64) PriceReport {
	return PriceReport{
		Token:       token,
		Signer:      signer,
		Min:         fixed.ExpandDecimals(min, 8),
		Max:         fixed.ExpandDecimals(max, 8),
		Timestamp:   now.Add(-age),
		BlockNumber: block,
	}
}

func env() Env {
	return Env{CurrentBlock: 100, CurrentTime: now}
}

func TestMultiplierNormalizesToSmallestUnit(t *testing.T) {
	agg := NewAggregator(Config{}, testRegistry(t), nil, testLogger())

	set, err := agg.Aggregate(context.Background(), env(), []common.Address{weth, wbtc}, []PriceReport{
		report(weth, signerA, 5000, 5000, time.Minute, 90),
		report(wbtc, signerA, 60000, 60000, time.Minute, 90),
	})
	require.NoError(t, err)

	p, err := set.Get(weth)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Min.Cmp(fixed.ExpandDecimals(5000, 12)))

	// 8-decimal token: usd * 10^(30-8)
	p, err = set.Get(wbtc)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Max.Cmp(fixed.ExpandDecimals(60000, 22)))
}

func TestStablePriceBypassesChecks(t *testing.T) {
	agg := NewAggregator(Config{MinSigners: 3}, testRegistry(t), nil, testLogger())

	// a crossed, stale report would fail every check for a non-stable token
	set, err := agg.Aggregate(context.Background(), env(), []common.Address{usdc}, []PriceReport{
		report(usdc, signerA, 2, 1, 48*time.Hour, 100),
	})
	require.NoError(t, err)
	p, err := set.Get(usdc)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Min.Cmp(fixed.ExpandDecimals(1, 24)))
	assert.Equal(t, 0, p.Max.Cmp(fixed.ExpandDecimals(1, 24)))
	assert.Equal(t, uint64(100), set.MinOracleBlock())
}

func TestFoldTakesTightestRange(t *testing.T) {
	agg := NewAggregator(Config{MinSigners: 2}, testRegistry(t), nil, testLogger())

	set, err := agg.Aggregate(context.Background(), env(), []common.Address{weth}, []PriceReport{
		report(weth, signerA, 4990, 5010, time.Minute, 95),
		report(weth, signerB, 4995, 5020, time.Minute, 97),
	})
	require.NoError(t, err)
	p, err := set.Get(weth)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Min.Cmp(fixed.ExpandDecimals(4995, 12)))
	assert.Equal(t, 0, p.Max.Cmp(fixed.ExpandDecimals(5010, 12)))
	assert.Equal(t, uint64(95), set.MinOracleBlock())
	assert.Equal(t, uint64(97), set.MaxOracleBlock())
}

func TestAggregateRejections(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		reports []PriceReport
		want    error
	}{
		{
			name: "missing",
			want: domain.ErrMissingPriceReport,
		},
		{
			name:    "min above max",
			reports: []PriceReport{report(weth, signerA, 5001, 5000, 0, 90)},
			want:    domain.ErrInvalidPriceReport,
		},
		{
			name:    "future block",
			reports: []PriceReport{report(weth, signerA, 5000, 5000, 0, 101)},
			want:    domain.ErrInvalidOracleBlock,
		},
		{
			name:    "future timestamp",
			reports: []PriceReport{report(weth, signerA, 5000, 5000, -time.Second, 90)},
			want:    domain.ErrInvalidPriceReport,
		},
		{
			name: "duplicate signer",
			cfg:  Config{MinSigners: 2},
			reports: []PriceReport{
				report(weth, signerA, 5000, 5000, 0, 90),
				report(weth, signerA, 5000, 5000, 0, 91),
			},
			want: domain.ErrInsufficientSigners,
		},
		{
			name:    "age equal to heartbeat",
			reports: []PriceReport{report(weth, signerA, 5000, 5000, time.Hour, 90)},
			want:    domain.ErrStalePrice,
		},
		{
			name:    "global max age tighter than heartbeat",
			cfg:     Config{MaxPriceAge: 5 * time.Minute},
			reports: []PriceReport{report(weth, signerA, 5000, 5000, 6*time.Minute, 90)},
			want:    domain.ErrStalePrice,
		},
		{
			name:    "too few confirmations",
			cfg:     Config{MinBlockConfirmations: 5},
			reports: []PriceReport{report(weth, signerA, 5000, 5000, 0, 97)},
			want:    domain.ErrInsufficientBlockConfirmations,
		},
		{
			name: "no overlap",
			cfg:  Config{MinSigners: 2},
			reports: []PriceReport{
				report(weth, signerA, 4900, 4950, 0, 90),
				report(weth, signerB, 5000, 5050, 0, 90),
			},
			want: domain.ErrNoPriceOverlap,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			agg := NewAggregator(tc.cfg, testRegistry(t), nil, testLogger())
			_, err := agg.Aggregate(context.Background(), env(), []common.Address{weth}, tc.reports)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)

			var te *TokenError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, weth, te.Token)
		})
	}
}

func TestAgeJustUnderHeartbeatPasses(t *testing.T) {
	agg := NewAggregator(Config{MinBlockConfirmations: 3}, testRegistry(t), nil, testLogger())
	_, err := agg.Aggregate(context.Background(), env(), []common.Address{weth}, []PriceReport{
		report(weth, signerA, 5000, 5000, time.Hour-time.Second, 97),
	})
	require.NoError(t, err)
}

func TestUnconfiguredToken(t *testing.T) {
	agg := NewAggregator(Config{}, testRegistry(t), nil, testLogger())
	other := common.HexToAddress("0x0000000000000000000000000000000000000fff")
	_, err := agg.Aggregate(context.Background(), env(), []common.Address{other}, nil)
	assert.ErrorIs(t, err, domain.ErrPriceFeedNotConfigured)
	assert.True(t, IsOracleError(err))
}

func TestDeviationAgainstReference(t *testing.T) {
	ctx := context.Background()
	ds := datastore.NewInMemory()
	ref := NewStoreReference(ds)
	factor, err := fixed.ParseFactor("0.05")
	require.NoError(t, err)
	agg := NewAggregator(Config{MaxRefPriceDeviationFactor: factor}, testRegistry(t), ref, testLogger())
	tokens := []common.Address{weth}

	// no reference recorded yet: check skipped
	set, err := agg.Aggregate(ctx, env(), tokens, []PriceReport{report(weth, signerA, 5000, 5000, 0, 90)})
	require.NoError(t, err)
	require.NoError(t, RecordPrices(ctx, ds, set))

	_, err = agg.Aggregate(ctx, env(), tokens, []PriceReport{report(weth, signerA, 5200, 5240, 0, 90)})
	require.NoError(t, err)

	// max deviates by 6%
	_, err = agg.Aggregate(ctx, env(), tokens, []PriceReport{report(weth, signerA, 5200, 5300, 0, 90)})
	assert.ErrorIs(t, err, domain.ErrPriceDeviationExceeded)
}

func TestAggregateIsDeterministic(t *testing.T) {
	agg := NewAggregator(Config{}, testRegistry(t), nil, testLogger())
	reports := []PriceReport{
		report(weth, signerA, 4990, 5010, 0, 90),
		report(weth, signerB, 4995, 5020, 0, 90),
		report(weth, signerC, 4980, 5005, 0, 90),
	}
	first, err := agg.Aggregate(context.Background(), env(), []common.Address{weth, usdc}, reports)
	require.NoError(t, err)
	second, err := agg.Aggregate(context.Background(), env(), []common.Address{weth, usdc}, reports)
	require.NoError(t, err)
	assert.Equal(t, first.EventPrices(), second.EventPrices())
}

func TestRegistryRoundTrip(t *testing.T) {
	ctx := context.Background()
	ds := datastore.NewInMemory()
	reg := testRegistry(t)
	require.NoError(t, reg.Configure(ctx, ds))

	loaded, err := LoadRegistry(ctx, ds, []common.Address{weth, usdc})
	require.NoError(t, err)

	f, ok := loaded.Feed(weth)
	require.True(t, ok)
	assert.Equal(t, 0, f.Normalize(big.NewInt(1)).Cmp(fixed.Pow10(4)))
	assert.Equal(t, time.Hour, f.Heartbeat)

	f, ok = loaded.Feed(usdc)
	require.True(t, ok)
	assert.True(t, f.IsStable())

	_, err = LoadRegistry(ctx, ds, []common.Address{wbtc, common.HexToAddress("0x01")})
	assert.ErrorIs(t, err, domain.ErrPriceFeedNotConfigured)
}

func TestConfigRoundTrip(t *testing.T) {
	ctx := context.Background()
	ds := datastore.NewInMemory()
	cfg := Config{
		MinSigners:                 2,
		MinBlockConfirmations:      3,
		MaxPriceAge:                5 * time.Minute,
		MaxRefPriceDeviationFactor: fixed.ExpandDecimals(5, 28),
	}
	require.NoError(t, cfg.Store(ctx, ds))
	got, err := LoadConfig(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, cfg.MinSigners, got.MinSigners)
	assert.Equal(t, cfg.MinBlockConfirmations, got.MinBlockConfirmations)
	assert.Equal(t, cfg.MaxPriceAge, got.MaxPriceAge)
	assert.Equal(t, 0, cfg.MaxRefPriceDeviationFactor.Cmp(got.MaxRefPriceDeviationFactor))
}
