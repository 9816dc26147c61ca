// Package oracle turns raw signed price reports into a validated, immutable
// price set for a single execution.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/fixed"
	"github.com/alanyoungcy/perpcore/internal/keys"
)

// TokenConfig is the static feed configuration of one token.
type TokenConfig struct {
	Token  common.Address
	Feed   common.Address
	FeedID common.Hash
	// FeedDecimals is the number of decimals of the raw feed answer; it is
	// used as the exponent when Exponent is zero.
	FeedDecimals int
	// Exponent is the feed's price exponent, e.g. -8.
	Exponent      int
	TokenDecimals int
	Heartbeat     time.Duration
	// StablePrice, when set, is the fixed canonical price per smallest token
	// unit that replaces every report for this token.
	StablePrice *big.Int
}

func (c TokenConfig) exponent() int {
	if c.Exponent == 0 {
		return -c.FeedDecimals
	}
	return c.Exponent
}

// Multiplier returns 10^(60 + exponent - tokenDecimals). Multiplying a raw
// report by it and dividing by 1e30 yields the canonical price per smallest
// token unit.
func (c TokenConfig) Multiplier() (*big.Int, error) {
	exp := 2*fixed.Decimals + c.exponent() - c.TokenDecimals
	if exp < 0 {
		return nil, fmt.Errorf("oracle: token %s: multiplier exponent %d is negative", c.Token.Hex(), exp)
	}
	return fixed.Pow10(exp), nil
}

// Feed is a registered token with its precomputed multiplier.
type Feed struct {
	TokenConfig
	multiplier *big.Int
}

// Normalize converts a raw feed value to canonical precision.
func (f Feed) Normalize(raw *big.Int) *big.Int {
	return fixed.MulDiv(raw, f.multiplier, fixed.FloatPrecision)
}

// IsStable reports whether the token has a stable price override.
func (f Feed) IsStable() bool {
	return f.StablePrice != nil && f.StablePrice.Sign() > 0
}

// Registry holds the feed configuration of every token. It is immutable once
// built.
type Registry struct {
	feeds map[common.Address]Feed
}

// NewRegistry validates cfgs and precomputes each token's multiplier.
func NewRegistry(cfgs []TokenConfig) (*Registry, error) {
	r := &Registry{feeds: make(map[common.Address]Feed, len(cfgs))}
	for _, c := range cfgs {
		if _, dup := r.feeds[c.Token]; dup {
			return nil, fmt.Errorf("oracle: token %s configured twice", c.Token.Hex())
		}
		m, err := c.Multiplier()
		if err != nil {
			return nil, err
		}
		if c.StablePrice != nil {
			c.StablePrice = new(big.Int).Set(c.StablePrice)
		}
		r.feeds[c.Token] = Feed{TokenConfig: c, multiplier: m}
	}
	return r, nil
}

// Feed returns the configuration of token.
func (r *Registry) Feed(token common.Address) (Feed, bool) {
	f, ok := r.feeds[token]
	return f, ok
}

// Tokens returns every configured token.
func (r *Registry) Tokens() []common.Address {
	out := make([]common.Address, 0, len(r.feeds))
	for t := range r.feeds {
		out = append(out, t)
	}
	return out
}

// Configure persists the registry to the data store, including each
// precomputed multiplier.
func (r *Registry) Configure(ctx context.Context, ds domain.DataStore) error {
	for token, f := range r.feeds {
		if err := ds.SetAddress(ctx, keys.PriceFeedKey(token), f.Feed); err != nil {
			return fmt.Errorf("oracle: configure %s: %w", token.Hex(), err)
		}
		if err := ds.SetBytes32(ctx, keys.PriceFeedIDKey(token), f.FeedID); err != nil {
			return fmt.Errorf("oracle: configure %s: %w", token.Hex(), err)
		}
		if err := ds.SetUint(ctx, keys.PriceFeedMultiplierKey(token), f.multiplier); err != nil {
			return fmt.Errorf("oracle: configure %s: %w", token.Hex(), err)
		}
		hb := new(big.Int).SetInt64(int64(f.Heartbeat / time.Second))
		if err := ds.SetUint(ctx, keys.PriceFeedHeartbeatDurationKey(token), hb); err != nil {
			return fmt.Errorf("oracle: configure %s: %w", token.Hex(), err)
		}
		stable := new(big.Int)
		if f.IsStable() {
			stable.Set(f.StablePrice)
		}
		if err := ds.SetUint(ctx, keys.StablePriceKey(token), stable); err != nil {
			return fmt.Errorf("oracle: configure %s: %w", token.Hex(), err)
		}
	}
	return nil
}

// LoadRegistry reads the configuration of tokens back from the data store.
// Multipliers are taken as stored, never recomputed.
func LoadRegistry(ctx context.Context, ds domain.DataStore, tokens []common.Address) (*Registry, error) {
	r := &Registry{feeds: make(map[common.Address]Feed, len(tokens))}
	for _, token := range tokens {
		m, err := ds.GetUint(ctx, keys.PriceFeedMultiplierKey(token))
		if err != nil {
			return nil, fmt.Errorf("oracle: load %s: %w", token.Hex(), err)
		}
		stable, err := ds.GetUint(ctx, keys.StablePriceKey(token))
		if err != nil {
			return nil, fmt.Errorf("oracle: load %s: %w", token.Hex(), err)
		}
		if m.Sign() == 0 && stable.Sign() == 0 {
			return nil, &TokenError{Token: token, Err: domain.ErrPriceFeedNotConfigured}
		}
		feed, err := ds.GetAddress(ctx, keys.PriceFeedKey(token))
		if err != nil {
			return nil, fmt.Errorf("oracle: load %s: %w", token.Hex(), err)
		}
		feedID, err := ds.GetBytes32(ctx, keys.PriceFeedIDKey(token))
		if err != nil {
			return nil, fmt.Errorf("oracle: load %s: %w", token.Hex(), err)
		}
		hb, err := ds.GetUint(ctx, keys.PriceFeedHeartbeatDurationKey(token))
		if err != nil {
			return nil, fmt.Errorf("oracle: load %s: %w", token.Hex(), err)
		}
		cfg := TokenConfig{
			Token:     token,
			Feed:      feed,
			FeedID:    feedID,
			Heartbeat: time.Duration(hb.Int64()) * time.Second,
		}
		if stable.Sign() > 0 {
			cfg.StablePrice = stable
		}
		r.feeds[token] = Feed{TokenConfig: cfg, multiplier: m}
	}
	return r, nil
}
