package domain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OrderType identifies what an order does on execution.
type OrderType uint8

const (
	OrderTypeMarketSwap OrderType = iota
	OrderTypeLimitSwap
	OrderTypeMarketIncrease
	OrderTypeLimitIncrease
	OrderTypeMarketDecrease
	OrderTypeLimitDecrease
	OrderTypeStopLossDecrease
	OrderTypeLiquidation
)

var orderTypeNames = [...]string{
	"MarketSwap", "LimitSwap", "MarketIncrease", "LimitIncrease",
	"MarketDecrease", "LimitDecrease", "StopLossDecrease", "Liquidation",
}

func (t OrderType) String() string {
	if int(t) < len(orderTypeNames) {
		return orderTypeNames[t]
	}
	return "Unknown"
}

// ParseOrderType resolves an order type by name.
func ParseOrderType(s string) (OrderType, bool) {
	for i, n := range orderTypeNames {
		if n == s {
			return OrderType(i), true
		}
	}
	return 0, false
}

// MarshalText renders the type by name.
func (t OrderType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a type name.
func (t *OrderType) UnmarshalText(b []byte) error {
	v, ok := ParseOrderType(string(b))
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedOrderType, b)
	}
	*t = v
	return nil
}

// IsSwap reports whether the order only swaps tokens.
func (t OrderType) IsSwap() bool {
	return t == OrderTypeMarketSwap || t == OrderTypeLimitSwap
}

// IsIncrease reports whether the order opens or grows a position.
func (t OrderType) IsIncrease() bool {
	return t == OrderTypeMarketIncrease || t == OrderTypeLimitIncrease
}

// IsDecrease reports whether the order shrinks or closes a position.
func (t OrderType) IsDecrease() bool {
	switch t {
	case OrderTypeMarketDecrease, OrderTypeLimitDecrease, OrderTypeStopLossDecrease, OrderTypeLiquidation:
		return true
	}
	return false
}

// IsMarket reports whether the order executes at the current price without a
// trigger.
func (t OrderType) IsMarket() bool {
	switch t {
	case OrderTypeMarketSwap, OrderTypeMarketIncrease, OrderTypeMarketDecrease, OrderTypeLiquidation:
		return true
	}
	return false
}

// SecondaryOrderType marks why a decrease happened.
type SecondaryOrderType uint8

const (
	SecondaryOrderTypeNone SecondaryOrderType = iota
	SecondaryOrderTypeAdl
)

func (t SecondaryOrderType) String() string {
	if t == SecondaryOrderTypeAdl {
		return "Adl"
	}
	return "None"
}

// MarshalText renders the type by name.
func (t SecondaryOrderType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses "None" or "Adl".
func (t *SecondaryOrderType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "None", "":
		*t = SecondaryOrderTypeNone
	case "Adl":
		*t = SecondaryOrderTypeAdl
	default:
		return fmt.Errorf("unknown secondary order type %q", b)
	}
	return nil
}

// DecreasePositionSwapType selects an optional swap of decrease output.
type DecreasePositionSwapType uint8

const (
	DecreasePositionSwapTypeNoSwap DecreasePositionSwapType = iota
	DecreasePositionSwapTypeSwapPnlTokenToCollateralToken
	DecreasePositionSwapTypeSwapCollateralTokenToPnlToken
)

// Order is a recorded trading intent awaiting execution. Amounts follow the
// same precision rules as Position.
type Order struct {
	Key                          common.Hash              `json:"key" rlp:"-"`
	Account                      common.Address           `json:"account"`
	Receiver                     common.Address           `json:"receiver"`
	Market                       common.Address           `json:"market"`
	InitialCollateralToken       common.Address           `json:"initial_collateral_token"`
	SwapPath                     []common.Address         `json:"swap_path"`
	SizeDeltaUsd                 *big.Int                 `json:"size_delta_usd"`
	InitialCollateralDeltaAmount *big.Int                 `json:"initial_collateral_delta_amount"`
	TriggerPrice                 *big.Int                 `json:"trigger_price"`
	AcceptablePrice              *big.Int                 `json:"acceptable_price"`
	ExecutionFee                 *big.Int                 `json:"execution_fee"`
	MinOutputAmount              *big.Int                 `json:"min_output_amount"`
	OrderType                    OrderType                `json:"order_type"`
	DecreasePositionSwapType     DecreasePositionSwapType `json:"decrease_position_swap_type"`
	IsLong                       bool                     `json:"is_long"`
	IsFrozen                     bool                     `json:"is_frozen"`
	UpdatedAtBlock               uint64                   `json:"updated_at_block"`
}
