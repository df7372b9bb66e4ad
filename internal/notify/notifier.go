// Package notify pushes rule lifecycle alerts to operators. Notifications
// are dispatched to all registered senders (Telegram, Discord) and filtered
// by event type so operators receive only the alerts they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// defaultEvents are the lifecycle events forwarded when no explicit filter
// is configured: the two an operator cannot afford to miss.
var defaultEvents = []string{domain.EventRuleTriggered, domain.EventRuleFailed}

// Notifier dispatches rule lifecycle events to one or more Senders.
// Dispatch happens on a background goroutine bounded by each sender's
// client timeout, so a slow webhook never blocks the event path.
type Notifier struct {
	senders []Sender
	events  map[string]bool // forwarded event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders. Only
// events whose type appears in events are forwarded; an empty list applies
// the default filter (triggered and failed).
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if len(events) == 0 {
		events = defaultEvents
	}
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

// Notify forwards one lifecycle event to all senders if its type passes
// the filter. Delivery is fire-and-forget: failures are logged per sender
// and never surface to the caller.
func (n *Notifier) Notify(ctx context.Context, ruleID, event string, detail map[string]any) {
	if len(n.senders) == 0 {
		return
	}
	if !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return
	}

	title, message := renderEvent(ruleID, event, detail)

	// The caller's context may be gone before slow webhooks finish; each
	// sender's HTTP client timeout bounds the send instead.
	go n.dispatch(context.Background(), title, message)
}

func (n *Notifier) dispatch(ctx context.Context, title, message string) {
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.Error("sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		n.logger.Debug("notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
}

// renderEvent formats a lifecycle event as a short human-readable alert.
// Detail keys are rendered sorted so output is stable.
func renderEvent(ruleID, event string, detail map[string]any) (title, message string) {
	switch event {
	case domain.EventRuleTriggered:
		title = "Rule triggered"
	case domain.EventRuleFailed:
		title = "Rule failed"
	case domain.EventRuleCreated:
		title = "Rule created"
	case domain.EventRuleCanceled:
		title = "Rule canceled"
	case domain.EventRuleTrailingUpdated:
		title = "Trailing stop moved"
	default:
		title = event
	}

	var b strings.Builder
	fmt.Fprintf(&b, "rule %s", ruleID)

	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, detail[k])
	}

	return title, b.String()
}
