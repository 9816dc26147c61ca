package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/fixed"
	"github.com/alanyoungcy/perpcore/internal/keys"
)

// Config holds the oracle validation parameters. Zero values disable the
// corresponding check.
type Config struct {
	MinSigners                 int
	MinBlockConfirmations      uint64
	MaxPriceAge                time.Duration
	MaxRefPriceDeviationFactor *big.Int
}

// Store writes the config to the data store.
func (c Config) Store(ctx context.Context, ds domain.DataStore) error {
	dev := new(big.Int)
	if c.MaxRefPriceDeviationFactor != nil {
		dev.Set(c.MaxRefPriceDeviationFactor)
	}
	writes := []struct {
		key common.Hash
		val *big.Int
	}{
		{keys.MinOracleSigners, big.NewInt(int64(c.MinSigners))},
		{keys.MinOracleBlockConfirmations, new(big.Int).SetUint64(c.MinBlockConfirmations)},
		{keys.MaxOraclePriceAge, big.NewInt(int64(c.MaxPriceAge / time.Second))},
		{keys.MaxOracleRefPriceDeviationFactor, dev},
	}
	for _, w := range writes {
		if err := ds.SetUint(ctx, w.key, w.val); err != nil {
			return fmt.Errorf("oracle: store config: %w", err)
		}
	}
	return nil
}

// LoadConfig reads the oracle config from the data store.
func LoadConfig(ctx context.Context, ds domain.DataStore) (Config, error) {
	var vals [4]*big.Int
	for i, k := range []common.Hash{
		keys.MinOracleSigners,
		keys.MinOracleBlockConfirmations,
		keys.MaxOraclePriceAge,
		keys.MaxOracleRefPriceDeviationFactor,
	} {
		v, err := ds.GetUint(ctx, k)
		if err != nil {
			return Config{}, fmt.Errorf("oracle: load config: %w", err)
		}
		vals[i] = v
	}
	return Config{
		MinSigners:                 int(vals[0].Int64()),
		MinBlockConfirmations:      vals[1].Uint64(),
		MaxPriceAge:                time.Duration(vals[2].Int64()) * time.Second,
		MaxRefPriceDeviationFactor: vals[3],
	}, nil
}

// PriceReport is one signed raw price observation. Min and Max are in the
// feed's own precision.
type PriceReport struct {
	Token       common.Address `json:"token"`
	Signer      common.Address `json:"signer"`
	Min         *big.Int       `json:"min"`
	Max         *big.Int       `json:"max"`
	Timestamp   time.Time      `json:"timestamp"`
	BlockNumber uint64         `json:"block_number"`
}

// Env is the execution environment a price set is built for.
type Env struct {
	CurrentBlock uint64
	CurrentTime  time.Time
}

// ReferenceSource provides an independent reference price for the deviation
// check. ok is false when no reference is available.
type ReferenceSource interface {
	ReferencePrice(ctx context.Context, token common.Address) (price *big.Int, ok bool, err error)
}

// TokenError ties a validation failure to the token it occurred on.
type TokenError struct {
	Token common.Address
	Err   error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("oracle: token %s: %v", e.Token.Hex(), e.Err)
}

func (e *TokenError) Unwrap() error { return e.Err }

// Aggregator validates reports and folds them into a PriceSet.
type Aggregator struct {
	cfg      Config
	registry *Registry
	ref      ReferenceSource
	logger   *slog.Logger
}

// NewAggregator creates an Aggregator. ref may be nil, which skips the
// deviation check.
func NewAggregator(cfg Config, registry *Registry, ref ReferenceSource, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		cfg:      cfg,
		registry: registry,
		ref:      ref,
		logger:   logger.With(slog.String("component", "oracle")),
	}
}

// Aggregate validates reports for every requested token and returns the
// resulting price set. It fails on the first invalid token; the error is a
// *TokenError wrapping one of the domain oracle errors.
func (a *Aggregator) Aggregate(ctx context.Context, env Env, tokens []common.Address, reports []PriceReport) (*PriceSet, error) {
	byToken := make(map[common.Address][]PriceReport, len(tokens))
	for _, r := range reports {
		byToken[r.Token] = append(byToken[r.Token], r)
	}

	set := &PriceSet{
		prices:   make(map[common.Address]domain.Price, len(tokens)),
		minBlock: env.CurrentBlock,
		maxBlock: 0,
		time:     env.CurrentTime,
	}
	sawReport := false

	for _, token := range tokens {
		if _, done := set.prices[token]; done {
			continue
		}
		feed, ok := a.registry.Feed(token)
		if !ok {
			return nil, a.reject(token, domain.ErrPriceFeedNotConfigured)
		}
		if feed.IsStable() {
			set.add(token, domain.NewPrice(feed.StablePrice, feed.StablePrice))
			continue
		}

		price, err := a.aggregateToken(ctx, env, feed, byToken[token])
		if err != nil {
			return nil, a.reject(token, err)
		}
		set.add(token, price)

		for _, r := range byToken[token] {
			sawReport = true
			if r.BlockNumber < set.minBlock {
				set.minBlock = r.BlockNumber
			}
			if r.BlockNumber > set.maxBlock {
				set.maxBlock = r.BlockNumber
			}
		}
	}
	if !sawReport {
		set.minBlock = env.CurrentBlock
		set.maxBlock = env.CurrentBlock
	}
	return set, nil
}

func (a *Aggregator) reject(token common.Address, err error) error {
	a.logger.Warn("price rejected",
		slog.String("token", token.Hex()),
		slog.String("reason", err.Error()),
	)
	return &TokenError{Token: token, Err: err}
}

func (a *Aggregator) aggregateToken(ctx context.Context, env Env, feed Feed, reports []PriceReport) (domain.Price, error) {
	for _, r := range reports {
		if r.Min == nil || r.Max == nil || r.Min.Sign() <= 0 || r.Min.Cmp(r.Max) > 0 {
			return domain.Price{}, domain.ErrInvalidPriceReport
		}
		if r.BlockNumber > env.CurrentBlock {
			return domain.Price{}, domain.ErrInvalidOracleBlock
		}
		if r.Timestamp.After(env.CurrentTime) {
			return domain.Price{}, fmt.Errorf("%w: timestamp %s after %s",
				domain.ErrInvalidPriceReport, r.Timestamp.Format(time.RFC3339), env.CurrentTime.Format(time.RFC3339))
		}
	}
	if len(reports) == 0 {
		return domain.Price{}, domain.ErrMissingPriceReport
	}

	signers := make(map[common.Address]struct{}, len(reports))
	for _, r := range reports {
		signers[r.Signer] = struct{}{}
	}
	if a.cfg.MinSigners > 0 && len(signers) < a.cfg.MinSigners {
		return domain.Price{}, fmt.Errorf("%w: %d of %d", domain.ErrInsufficientSigners, len(signers), a.cfg.MinSigners)
	}

	maxAge := a.maxAge(feed)
	for _, r := range reports {
		age := env.CurrentTime.Sub(r.Timestamp)
		if maxAge > 0 && age >= maxAge {
			return domain.Price{}, fmt.Errorf("%w: age %s, limit %s", domain.ErrStalePrice, age, maxAge)
		}
		if env.CurrentBlock-r.BlockNumber < a.cfg.MinBlockConfirmations {
			return domain.Price{}, domain.ErrInsufficientBlockConfirmations
		}
	}

	ref, hasRef, err := a.reference(ctx, feed.Token)
	if err != nil {
		return domain.Price{}, err
	}

	var lo, hi *big.Int
	for _, r := range reports {
		pMin, pMax := feed.Normalize(r.Min), feed.Normalize(r.Max)
		if hasRef {
			if err := a.checkDeviation(pMin, ref); err != nil {
				return domain.Price{}, err
			}
			if err := a.checkDeviation(pMax, ref); err != nil {
				return domain.Price{}, err
			}
		}
		if lo == nil || pMin.Cmp(lo) > 0 {
			lo = pMin
		}
		if hi == nil || pMax.Cmp(hi) < 0 {
			hi = pMax
		}
	}
	if lo.Cmp(hi) > 0 {
		return domain.Price{}, domain.ErrNoPriceOverlap
	}
	return domain.Price{Min: lo, Max: hi}, nil
}

// maxAge is min(heartbeat, MaxPriceAge), ignoring whichever is unset.
func (a *Aggregator) maxAge(feed Feed) time.Duration {
	hb, global := feed.Heartbeat, a.cfg.MaxPriceAge
	switch {
	case hb <= 0:
		return global
	case global <= 0:
		return hb
	case hb < global:
		return hb
	default:
		return global
	}
}

func (a *Aggregator) reference(ctx context.Context, token common.Address) (*big.Int, bool, error) {
	if a.ref == nil || a.cfg.MaxRefPriceDeviationFactor == nil || a.cfg.MaxRefPriceDeviationFactor.Sign() == 0 {
		return nil, false, nil
	}
	p, ok, err := a.ref.ReferencePrice(ctx, token)
	if err != nil {
		return nil, false, fmt.Errorf("oracle: reference price: %w", err)
	}
	if !ok || p == nil || p.Sign() == 0 {
		return nil, false, nil
	}
	return p, true, nil
}

func (a *Aggregator) checkDeviation(price, ref *big.Int) error {
	diff := fixed.Abs(fixed.Sub(price, ref))
	if fixed.ToFactor(diff, ref).Cmp(a.cfg.MaxRefPriceDeviationFactor) > 0 {
		return fmt.Errorf("%w: price %s, reference %s", domain.ErrPriceDeviationExceeded, price, ref)
	}
	return nil
}

// IsOracleError reports whether err is a price validation failure.
func IsOracleError(err error) bool {
	var te *TokenError
	return errors.As(err, &te)
}
