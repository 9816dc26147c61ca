// Package notify forwards selected risk events to operator channels
// (Telegram, Discord).
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/fixed"
)

// DefaultEvents are the event names alerted on when none are configured.
var DefaultEvents = []string{
	domain.EventAdlStateUpdated,
	domain.EventPositionLiquidated,
	domain.EventOrderFrozen,
}

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. Notify and Emit
// only forward events whose name is in the allowed set; NotifyAll bypasses
// the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders. Only
// events whose type appears in the events slice will be forwarded by Notify.
// If events is empty, all event types are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends a notification to all senders only if the event type is in the
// allowed list. If no events were configured (empty list), all events pass.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}

	return n.dispatch(ctx, title, message)
}

// Emit implements domain.EventEmitter by rendering the event as an alert.
func (n *Notifier) Emit(ctx context.Context, ev domain.Event) error {
	return n.Notify(ctx, ev.Name, Title(ev), Message(ev))
}

// Title renders a one-line alert title for ev.
func Title(ev domain.Event) string {
	side := "short"
	if ev.IsLong {
		side = "long"
	}
	switch ev.Name {
	case domain.EventAdlStateUpdated:
		state := "disabled"
		if ev.Values["is_adl_enabled"] == "true" {
			state = "enabled"
		}
		return fmt.Sprintf("ADL %s on %s %s", state, shortHex(ev.Market.Hex()), side)
	case domain.EventPositionLiquidated:
		return fmt.Sprintf("Liquidation on %s %s", shortHex(ev.Market.Hex()), side)
	default:
		return fmt.Sprintf("%s on %s", ev.Name, shortHex(ev.Market.Hex()))
	}
}

// Message renders the alert body for ev: one "key: value" line per field.
func Message(ev domain.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "block: %d\n", ev.Block)
	if ev.Account != (common.Address{}) {
		fmt.Fprintf(&b, "account: %s\n", ev.Account.Hex())
	}
	if ev.SizeDeltaUsd != nil {
		fmt.Fprintf(&b, "size: $%s\n", fixed.FormatUSD(ev.SizeDeltaUsd))
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, "reason: %s\n", ev.Reason)
	}
	if f, ok := ev.Values["pnl_to_pool_factor"]; ok {
		fmt.Fprintf(&b, "pnl/pool: %s\n", formatFactor(f))
	}
	if d, ok := ev.Values["deficit_usd"]; ok {
		fmt.Fprintf(&b, "deficit: $%s\n", formatFactor(d))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatFactor(raw string) string {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return raw
	}
	return fixed.FormatUSD(v)
}

func shortHex(h string) string {
	if len(h) <= 10 {
		return h
	}
	return h[:6] + "…" + h[len(h)-4:]
}

// NotifyAll sends a notification to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch iterates over all senders and sends the notification. Errors from
// individual senders are collected and returned as a combined error; a single
// sender failure does not prevent delivery to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

var _ domain.EventEmitter = (*Notifier)(nil)
