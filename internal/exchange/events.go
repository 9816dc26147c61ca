package exchange

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/fixed"
	"github.com/alanyoungcy/perpcore/internal/oracle"
)

// EventMeta carries the fields shared by every event of one execution.
type EventMeta struct {
	Account            common.Address
	OrderKey           common.Hash
	OrderType          domain.OrderType
	SecondaryOrderType domain.SecondaryOrderType
	IsLong             bool
	Block              uint64
	Time               time.Time
	Prices             []domain.TokenPrice
}

func metaFor(o domain.Order, set *oracle.PriceSet, block uint64) EventMeta {
	m := EventMeta{
		Account:   o.Account,
		OrderKey:  o.Key,
		OrderType: o.OrderType,
		IsLong:    o.IsLong,
		Block:     block,
		Time:      time.Now().UTC(),
	}
	if set != nil {
		m.Prices = set.EventPrices()
		m.Time = set.Time()
	}
	return m
}

func (m EventMeta) event(name string, market common.Address) domain.Event {
	return domain.Event{
		Name:               name,
		Market:             market,
		IsLong:             m.IsLong,
		Account:            m.Account,
		OrderKey:           m.OrderKey,
		OrderType:          m.OrderType,
		SecondaryOrderType: m.SecondaryOrderType,
		Prices:             m.Prices,
		Block:              m.Block,
		Time:               m.Time,
	}
}

func orderEvent(name string, o domain.Order, meta EventMeta, reason string) domain.Event {
	ev := meta.event(name, o.Market)
	ev.SizeDeltaUsd = fixed.Copy(o.SizeDeltaUsd)
	ev.Reason = reason
	return ev
}

func values(kv ...any) map[string]string {
	out := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, _ := kv[i].(string)
		switch v := kv[i+1].(type) {
		case *big.Int:
			if v != nil {
				out[k] = v.String()
			}
		case string:
			out[k] = v
		case common.Address:
			out[k] = v.Hex()
		}
	}
	return out
}
