package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

// Signal bus names events are published under.
const (
	Channel = "perpcore:events"
	Stream  = "perpcore:events:stream"
)

// Publisher emits events as JSON on a signal bus: once on the pub/sub channel
// for live subscribers and once on the durable stream.
type Publisher struct {
	bus domain.SignalBus
}

// NewPublisher creates a Publisher.
func NewPublisher(bus domain.SignalBus) *Publisher {
	return &Publisher{bus: bus}
}

// Emit publishes ev.
func (p *Publisher) Emit(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("event: marshal %s: %w", ev.Name, err)
	}
	if err := p.bus.Publish(ctx, Channel, payload); err != nil {
		return err
	}
	return p.bus.StreamAppend(ctx, Stream, payload)
}

var _ domain.EventEmitter = (*Publisher)(nil)
