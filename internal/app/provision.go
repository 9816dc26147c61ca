package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/config"
	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/fixed"
	"github.com/alanyoungcy/perpcore/internal/keys"
	"github.com/alanyoungcy/perpcore/internal/market"
	"github.com/alanyoungcy/perpcore/internal/oracle"
	"github.com/alanyoungcy/perpcore/internal/risk"
)

func tokenConfigs(in []config.TokenConfig) ([]oracle.TokenConfig, error) {
	out := make([]oracle.TokenConfig, 0, len(in))
	for _, t := range in {
		tc := oracle.TokenConfig{
			Token:         common.HexToAddress(t.Address),
			Feed:          common.HexToAddress(t.Feed),
			FeedID:        common.HexToHash(t.FeedID),
			FeedDecimals:  t.FeedDecimals,
			Exponent:      t.Exponent,
			TokenDecimals: t.Decimals,
			Heartbeat:     t.Heartbeat.Duration,
		}
		if t.StablePrice != "" {
			// USD per whole token to canonical price per smallest unit.
			p, err := fixed.Parse(t.StablePrice, fixed.Decimals-t.Decimals)
			if err != nil {
				return nil, err
			}
			tc.StablePrice = p
		}
		out = append(out, tc)
	}
	return out, nil
}

func oracleConfig(in config.OracleConfig) (oracle.Config, error) {
	out := oracle.Config{
		MinSigners:            in.MinSigners,
		MinBlockConfirmations: in.MinBlockConfirmations,
		MaxPriceAge:           in.MaxPriceAge.Duration,
	}
	if strings.TrimSpace(in.MaxRefPriceDeviation) != "" {
		f, err := fixed.ParseFactor(in.MaxRefPriceDeviation)
		if err != nil {
			return oracle.Config{}, err
		}
		out.MaxRefPriceDeviationFactor = f
	}
	return out, nil
}

// Provision writes the oracle settings, the global risk limits and every
// configured market into ds in one transaction. Markets that already exist
// keep their pools and positions; their factors are overwritten.
func Provision(ctx context.Context, ds domain.TxDataStore, cfg *config.Config, registry *oracle.Registry, ocfg oracle.Config, logger *slog.Logger) error {
	created := 0
	err := ds.WithTx(ctx, func(tx domain.TxDataStore) error {
		if err := ocfg.Store(ctx, tx); err != nil {
			return err
		}
		if err := registry.Configure(ctx, tx); err != nil {
			return err
		}
		if err := provisionGlobals(ctx, tx, cfg.Risk); err != nil {
			return err
		}
		for _, mc := range cfg.Markets {
			m := market.Props{
				MarketToken: common.HexToAddress(mc.MarketToken),
				IndexToken:  common.HexToAddress(mc.IndexToken),
				LongToken:   common.HexToAddress(mc.LongToken),
				ShortToken:  common.HexToAddress(mc.ShortToken),
			}
			switch err := market.CreateMarket(ctx, tx, m); {
			case err == nil:
				created++
			case errors.Is(err, domain.ErrAlreadyExists):
			default:
				return err
			}
			if err := market.SetDisabled(ctx, tx, m.MarketToken, mc.Disabled); err != nil {
				return err
			}
			if err := provisionFactors(ctx, tx, m.MarketToken, cfg.Risk.MarketFactors.Over(mc.MarketFactors)); err != nil {
				return fmt.Errorf("market %s: %w", m.MarketToken.Hex(), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("app: provision: %w", err)
	}
	logger.InfoContext(ctx, "markets provisioned",
		slog.Int("tokens", len(registry.Tokens())),
		slog.Int("markets", len(cfg.Markets)),
		slog.Int("created", created),
	)
	return nil
}

func provisionGlobals(ctx context.Context, ds domain.DataStore, rc config.RiskConfig) error {
	minCollateral, err := optionalFactor(rc.MinCollateralUsd)
	if err != nil {
		return fmt.Errorf("min_collateral_usd: %w", err)
	}
	minSize, err := optionalFactor(rc.MinPositionSizeUsd)
	if err != nil {
		return fmt.Errorf("min_position_size_usd: %w", err)
	}
	for _, w := range []struct {
		key common.Hash
		val *big.Int
	}{
		{keys.MinCollateralUsd, minCollateral},
		{keys.MinPositionSizeUsd, minSize},
		{keys.MaxSwapPathLength, big.NewInt(int64(rc.MaxSwapPathLength))},
	} {
		if err := ds.SetUint(ctx, w.key, w.val); err != nil {
			return err
		}
	}
	return nil
}

func provisionFactors(ctx context.Context, ds domain.DataStore, mkt common.Address, f config.MarketFactors) error {
	parsed := make(map[string]*big.Int)
	for name, s := range map[string]string{
		"traders":      f.MaxPnlFactorForTraders,
		"adl":          f.MaxPnlFactorForAdl,
		"withdrawals":  f.MaxPnlFactorForWithdrawals,
		"deposits":     f.MaxPnlFactorForDeposits,
		"after_adl":    f.MinPnlFactorAfterAdl,
		"collateral":   f.MinCollateralFactor,
		"position_fee": f.PositionFeeFactor,
		"swap_fee":     f.SwapFeeFactor,
		"borrowing":    f.BorrowingFactor,
		"reserve":      f.ReserveFactor,
	} {
		v, err := optionalFactor(s)
		if err != nil {
			return fmt.Errorf("%s factor: %w", name, err)
		}
		parsed[name] = v
	}

	for _, isLong := range []bool{true, false} {
		for _, t := range []market.PnlFactorType{
			market.PnlFactorForTraders,
			market.PnlFactorForWithdrawals,
			market.PnlFactorForDeposits,
		} {
			if err := market.SetMaxPnlFactor(ctx, ds, t, mkt, isLong, parsed[t.String()]); err != nil {
				return err
			}
		}
		if err := risk.StoreParams(ctx, ds, mkt, isLong, risk.Params{
			MaxPnlFactorForAdl:   parsed["adl"],
			MinPnlFactorAfterAdl: parsed["after_adl"],
		}); err != nil {
			return err
		}
		if err := ds.SetUint(ctx, keys.BorrowingFactorKey(mkt, isLong), parsed["borrowing"]); err != nil {
			return err
		}
		if err := ds.SetUint(ctx, keys.ReserveFactorKey(mkt, isLong), parsed["reserve"]); err != nil {
			return err
		}
	}
	for key, name := range map[common.Hash]string{
		keys.MinCollateralFactorKey(mkt): "collateral",
		keys.PositionFeeFactorKey(mkt):   "position_fee",
		keys.SwapFeeFactorKey(mkt):       "swap_fee",
	} {
		if err := ds.SetUint(ctx, key, parsed[name]); err != nil {
			return err
		}
	}
	return nil
}

// optionalFactor parses a decimal factor; an empty string reads as zero.
func optionalFactor(s string) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return new(big.Int), nil
	}
	return fixed.ParseFactor(s)
}
