package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Position is an open leveraged position. SizeInUsd is in canonical
// precision, SizeInTokens in index token units and CollateralAmount in
// collateral token units.
type Position struct {
	Account          common.Address `json:"account"`
	Market           common.Address `json:"market"`
	CollateralToken  common.Address `json:"collateral_token"`
	IsLong           bool           `json:"is_long"`
	SizeInUsd        *big.Int       `json:"size_in_usd"`
	SizeInTokens     *big.Int       `json:"size_in_tokens"`
	CollateralAmount *big.Int       `json:"collateral_amount"`
	BorrowingFactor  *big.Int       `json:"borrowing_factor"`
	IncreasedAtBlock uint64         `json:"increased_at_block"`
	DecreasedAtBlock uint64         `json:"decreased_at_block"`
}

// EntryPrice returns the average entry price per index token unit, or zero
// for an empty position.
func (p Position) EntryPrice() *big.Int {
	if p.SizeInTokens == nil || p.SizeInTokens.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Set(p.SizeInUsd)
	return out.Quo(out, p.SizeInTokens)
}

// IsEmpty reports whether the position holds no size.
func (p Position) IsEmpty() bool {
	return p.SizeInUsd == nil || p.SizeInUsd.Sign() == 0
}
