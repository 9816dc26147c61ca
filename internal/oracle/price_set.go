package oracle

import (
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

// PriceSet is the immutable result of one aggregation. It is scoped to a
// single execution and never persisted.
type PriceSet struct {
	prices   map[common.Address]domain.Price
	tokens   []common.Address
	minBlock uint64
	maxBlock uint64
	time     time.Time
}

// NewPriceSet builds a set from already-validated prices, recorded at block.
func NewPriceSet(prices map[common.Address]domain.Price, block uint64, at time.Time) *PriceSet {
	s := &PriceSet{
		prices:   make(map[common.Address]domain.Price, len(prices)),
		minBlock: block,
		maxBlock: block,
		time:     at,
	}
	toks := make([]common.Address, 0, len(prices))
	for t := range prices {
		toks = append(toks, t)
	}
	sort.Slice(toks, func(i, j int) bool { return toks[i].Cmp(toks[j]) < 0 })
	for _, t := range toks {
		s.add(t, domain.NewPrice(prices[t].Min, prices[t].Max))
	}
	return s
}

func (s *PriceSet) add(token common.Address, p domain.Price) {
	s.prices[token] = p
	s.tokens = append(s.tokens, token)
}

// Get returns the price of token.
func (s *PriceSet) Get(token common.Address) (domain.Price, error) {
	p, ok := s.prices[token]
	if !ok {
		return domain.Price{}, fmt.Errorf("oracle: %s: %w", token.Hex(), domain.ErrMissingTokenPrice)
	}
	return domain.NewPrice(p.Min, p.Max), nil
}

// Has reports whether the set holds token.
func (s *PriceSet) Has(token common.Address) bool {
	_, ok := s.prices[token]
	return ok
}

// Tokens returns the tokens in the order they were added.
func (s *PriceSet) Tokens() []common.Address {
	return append([]common.Address(nil), s.tokens...)
}

// MinOracleBlock is the oldest report block in the set.
func (s *PriceSet) MinOracleBlock() uint64 { return s.minBlock }

// MaxOracleBlock is the newest report block in the set.
func (s *PriceSet) MaxOracleBlock() uint64 { return s.maxBlock }

// Time is the aggregation time.
func (s *PriceSet) Time() time.Time { return s.time }

// EventPrices returns the set as event price records.
func (s *PriceSet) EventPrices() []domain.TokenPrice {
	out := make([]domain.TokenPrice, 0, len(s.tokens))
	for _, t := range s.tokens {
		p := s.prices[t]
		out = append(out, domain.TokenPrice{Token: t, Min: p.Min, Max: p.Max})
	}
	return out
}
