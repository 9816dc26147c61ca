// Package event provides the in-process EventEmitter implementations: a
// commit buffer, a fan-out, a structured-log sink and a test recorder.
package event

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/fixed"
)

var (
	_ domain.EventEmitter = (*Buffer)(nil)
	_ domain.EventEmitter = (*Recorder)(nil)
	_ domain.EventEmitter = (*LogEmitter)(nil)
	_ domain.EventEmitter = Multi(nil)
)

// Buffer collects events emitted inside a transaction. Flush hands them to
// the next emitter once the transaction has committed; Reset drops them when
// it is discarded.
type Buffer struct {
	mu     sync.Mutex
	events []domain.Event
}

// Emit appends ev.
func (b *Buffer) Emit(_ context.Context, ev domain.Event) error {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	return nil
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Reset drops all buffered events.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}

// Flush emits the buffered events in order and clears the buffer. Every event
// is attempted; the errors are joined.
func (b *Buffer) Flush(ctx context.Context, next domain.EventEmitter) error {
	b.mu.Lock()
	events := b.events
	b.events = nil
	b.mu.Unlock()

	var errs []error
	for _, ev := range events {
		if err := next.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

// Emit records ev.
func (r *Recorder) Emit(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, ev := range r.events {
		names[i] = ev.Name
	}
	return names
}

// Named returns the recorded events called name.
func (r *Recorder) Named(name string) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Reset forgets the recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// LogEmitter writes each event as one structured log line.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.With(slog.String("component", "events"))}
}

// Emit logs ev at info level.
func (l *LogEmitter) Emit(ctx context.Context, ev domain.Event) error {
	attrs := []any{
		slog.String("event", ev.Name),
		slog.String("market", ev.Market.Hex()),
		slog.Bool("is_long", ev.IsLong),
		slog.Uint64("block", ev.Block),
	}
	if ev.Account != (common.Address{}) {
		attrs = append(attrs, slog.String("account", ev.Account.Hex()))
	}
	if ev.SizeDeltaUsd != nil {
		attrs = append(attrs, slog.String("size_delta_usd", fixed.FormatUSD(ev.SizeDeltaUsd)))
	}
	if ev.Reason != "" {
		attrs = append(attrs, slog.String("reason", ev.Reason))
	}
	l.logger.InfoContext(ctx, "event", attrs...)
	return nil
}

// Multi fans an event out to every emitter. All emitters are called; their
// errors are joined.
type Multi []domain.EventEmitter

// Emit sends ev to each emitter.
func (m Multi) Emit(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
