package exchange

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

// NativeToken marks execution fee transfers, which are paid in the chain's
// native currency.
var NativeToken = common.Address{}

// Transfer is one settlement instruction: send Amount of Token to Receiver.
type Transfer struct {
	Token    common.Address `json:"token"`
	Receiver common.Address `json:"receiver"`
	Amount   *big.Int       `json:"amount"`
}

// Settlement is the result handed to the custody layer. The exchange never
// moves funds itself.
type Settlement struct {
	Transfers      []Transfer `json:"transfers,omitempty"`
	ExecutionPrice *big.Int   `json:"execution_price,omitempty"`
	SizeDeltaUsd   *big.Int   `json:"size_delta_usd,omitempty"`
	PnlUsd         *big.Int   `json:"pnl_usd,omitempty"`
	FeesUsd        *big.Int   `json:"fees_usd,omitempty"`
	// DeficitUsd is the loss the collateral could not cover and the pool
	// absorbs.
	DeficitUsd *big.Int `json:"deficit_usd,omitempty"`
	// ExecutionFee is earned by the executing keeper.
	ExecutionFee *big.Int `json:"execution_fee,omitempty"`
}

func (s *Settlement) pay(token, receiver common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	for i := range s.Transfers {
		t := &s.Transfers[i]
		if t.Token == token && t.Receiver == receiver {
			t.Amount = new(big.Int).Add(t.Amount, amount)
			return
		}
	}
	s.Transfers = append(s.Transfers, Transfer{Token: token, Receiver: receiver, Amount: new(big.Int).Set(amount)})
}

// AmountTo sums the transfers of token to receiver.
func (s Settlement) AmountTo(token, receiver common.Address) *big.Int {
	total := new(big.Int)
	for _, t := range s.Transfers {
		if t.Token == token && t.Receiver == receiver {
			total.Add(total, t.Amount)
		}
	}
	return total
}

// OutcomeKind classifies an order execution.
type OutcomeKind int

const (
	OutcomeExecuted OutcomeKind = iota + 1
	OutcomeCancelled
	OutcomeFrozen
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeExecuted:
		return "executed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFrozen:
		return "frozen"
	default:
		return "unknown"
	}
}

// Outcome is the result of executing an order. Exactly one of the three kinds
// applies; Reason and Cause are set for cancelled and frozen orders. A
// cancelled order's Settlement holds its refunds.
type Outcome struct {
	Kind       OutcomeKind `json:"kind"`
	OrderKey   common.Hash `json:"order_key"`
	Reason     string      `json:"reason,omitempty"`
	Cause      error       `json:"-"`
	Settlement Settlement  `json:"settlement"`
}

// Match calls the handler for o's kind.
func (o Outcome) Match(onExecuted func(Settlement), onCancelled func(reason string, refund Settlement), onFrozen func(reason string)) {
	switch o.Kind {
	case OutcomeExecuted:
		onExecuted(o.Settlement)
	case OutcomeCancelled:
		onCancelled(o.Reason, o.Settlement)
	case OutcomeFrozen:
		onFrozen(o.Reason)
	}
}

var (
	cancelErrors = []error{
		domain.ErrOrderPriceUnacceptable,
		domain.ErrInsufficientCollateral,
		domain.ErrInsufficientOutput,
		domain.ErrInvalidDecreaseSize,
		domain.ErrMinPositionSize,
		domain.ErrEmptyPosition,
		domain.ErrEmptySizeDeltaInTokens,
		domain.ErrPositionNotFound,
		domain.ErrInvalidOrder,
		domain.ErrUnsupportedOrderType,
	}
	freezeErrors = []error{
		domain.ErrInsufficientPoolAmount,
		domain.ErrInsufficientReserve,
		domain.ErrInvalidSwapPath,
		domain.ErrMaxSwapPathLength,
		domain.ErrMarketNotFound,
		domain.ErrMarketDisabled,
	}
)

// classify maps an execution error to the outcome it causes. ok is false for
// errors that must abort the call instead.
func classify(err error) (OutcomeKind, bool) {
	for _, target := range cancelErrors {
		if errors.Is(err, target) {
			return OutcomeCancelled, true
		}
	}
	for _, target := range freezeErrors {
		if errors.Is(err, target) {
			return OutcomeFrozen, true
		}
	}
	return 0, false
}

// reasonCode is the machine-readable reason of a classified error.
func reasonCode(err error) string {
	for _, target := range append(append([]error{}, cancelErrors...), freezeErrors...) {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return err.Error()
}
