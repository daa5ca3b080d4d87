// Package notify delivers operator notifications for settlement outcomes that
// deserve attention outside the logs: forfeits, refunds, and a pool running
// low. Notifications are dispatched to all registered senders and can be
// filtered by event type so operators receive only the alerts they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Event types the engine emits.
const (
	EventRequestForfeited = "request_forfeited"
	EventEscrowRefunded   = "escrow_refunded"
	EventPoolLow          = "pool_low"
)

// Event is one operator notification.
type Event struct {
	Type   string         `json:"type"`
	Title  string         `json:"title"`
	Detail map[string]any `json:"detail,omitempty"`
	At     time.Time      `json:"at"`
}

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers one event.
	Send(ctx context.Context, ev Event) error
	// Name returns a human-readable identifier for the sender (e.g. "webhook").
	Name() string
}

// Notifier dispatches events to one or more Senders. It maintains a set of
// allowed event types; Notify only forwards events whose type is in the
// allowed set. An empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
	now     func() time.Time
}

// NewNotifier creates a Notifier delivering to the given senders. Only events
// whose type appears in the events slice are forwarded; an empty slice allows
// all event types.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (n *Notifier) SetClock(now func() time.Time) { n.now = now }

// Notify sends an event to all senders if its type is allowed.
func (n *Notifier) Notify(ctx context.Context, eventType, title string, detail map[string]any) error {
	if len(n.events) > 0 && !n.events[eventType] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", eventType))
		return nil
	}

	return n.dispatch(ctx, Event{
		Type:   eventType,
		Title:  title,
		Detail: detail,
		At:     n.now().UTC(),
	})
}

// dispatch sends the event to every sender. A single sender failure does not
// prevent delivery to the remaining senders; failures are combined into one
// returned error.
func (n *Notifier) dispatch(ctx context.Context, ev Event) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, ev); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("event", ev.Type),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
