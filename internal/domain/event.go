package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Event names.
const (
	EventOrderCreated       = "OrderCreated"
	EventOrderExecuted      = "OrderExecuted"
	EventOrderCancelled     = "OrderCancelled"
	EventOrderFrozen        = "OrderFrozen"
	EventAdlStateUpdated    = "AdlStateUpdated"
	EventPositionIncrease   = "PositionIncrease"
	EventPositionDecrease   = "PositionDecrease"
	EventPositionLiquidated = "PositionLiquidated"
	EventSwap               = "Swap"
)

// TokenPrice is a price attached to an event record.
type TokenPrice struct {
	Token common.Address `json:"token"`
	Min   *big.Int       `json:"min"`
	Max   *big.Int       `json:"max"`
}

// Event is the structured record emitted for every state transition.
type Event struct {
	Name               string             `json:"name"`
	Market             common.Address     `json:"market"`
	IsLong             bool               `json:"is_long"`
	Account            common.Address     `json:"account,omitempty"`
	OrderKey           common.Hash        `json:"order_key,omitempty"`
	OrderType          OrderType          `json:"order_type"`
	SecondaryOrderType SecondaryOrderType `json:"secondary_order_type"`
	SizeDeltaUsd       *big.Int           `json:"size_delta_usd,omitempty"`
	Prices             []TokenPrice       `json:"prices,omitempty"`
	Reason             string             `json:"reason,omitempty"`
	Block              uint64             `json:"block"`
	Values             map[string]string  `json:"values,omitempty"`
	Time               time.Time          `json:"time"`
}

// EventEmitter receives emitted events.
type EventEmitter interface {
	Emit(ctx context.Context, ev Event) error
}
