package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Market identifies a perpetual market by its token triple. A market whose
// long and short tokens are equal holds a single pooled token.
type Market struct {
	MarketToken common.Address
	IndexToken  common.Address
	LongToken   common.Address
	ShortToken  common.Address
}

// IsSingleToken reports whether both sides share the same pooled token.
func (m Market) IsSingleToken() bool {
	return m.LongToken == m.ShortToken
}

// CollateralToken returns the pool token backing the given side.
func (m Market) CollateralToken(isLong bool) common.Address {
	if isLong {
		return m.LongToken
	}
	return m.ShortToken
}

// IsCollateral reports whether token is one of the market's pool tokens.
func (m Market) IsCollateral(token common.Address) bool {
	return token == m.LongToken || token == m.ShortToken
}

// Price is a validated min/max price per smallest token unit, in canonical
// precision.
type Price struct {
	Min *big.Int `json:"min"`
	Max *big.Int `json:"max"`
}

// NewPrice builds a Price, copying its inputs.
func NewPrice(min, max *big.Int) Price {
	return Price{Min: new(big.Int).Set(min), Max: new(big.Int).Set(max)}
}

// PickPrice returns Max when maximize is set, Min otherwise.
func (p Price) PickPrice(maximize bool) *big.Int {
	if maximize {
		return p.Max
	}
	return p.Min
}

// PickPriceForPnl returns the price that maximizes or minimizes the pnl of a
// side: longs profit from a high price, shorts from a low one.
func (p Price) PickPriceForPnl(isLong, maximize bool) *big.Int {
	if isLong {
		return p.PickPrice(maximize)
	}
	return p.PickPrice(!maximize)
}

// Mid returns (Min+Max)/2.
func (p Price) Mid() *big.Int {
	sum := new(big.Int).Add(p.Min, p.Max)
	return sum.Quo(sum, big.NewInt(2))
}

// IsZero reports whether either bound is unset or zero.
func (p Price) IsZero() bool {
	return p.Min == nil || p.Max == nil || p.Min.Sign() == 0 || p.Max.Sign() == 0
}

// MarketPrices holds the prices of a market's three tokens.
type MarketPrices struct {
	IndexTokenPrice Price
	LongTokenPrice  Price
	ShortTokenPrice Price
}

// TokenPrice returns the price for one of the market's pool tokens.
func (mp MarketPrices) TokenPrice(m Market, token common.Address) (Price, bool) {
	switch token {
	case m.LongToken:
		return mp.LongTokenPrice, true
	case m.ShortToken:
		return mp.ShortTokenPrice, true
	case m.IndexToken:
		return mp.IndexTokenPrice, true
	default:
		return Price{}, false
	}
}
