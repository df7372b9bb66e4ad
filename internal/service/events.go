package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

// Notifier pushes a lifecycle event to external channels. Implementations
// filter and log failures themselves; Notify never blocks the caller for
// long.
type Notifier interface {
	Notify(ctx context.Context, ruleID, event string, detail map[string]any)
}

// eventEnvelope is the JSON shape published on rules:{id} channels and
// appended to the events stream.
type eventEnvelope struct {
	RuleID    string         `json:"ruleId"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventFanout implements domain.EventSink by writing the durable audit row
// and mirroring the event to the signal bus, the events stream, and the
// notifier. Every target failure is a Warn log; Log always returns nil so
// state mutations are never coupled to sink health.
type EventFanout struct {
	audit    domain.EventSink
	bus      domain.SignalBus
	notifier Notifier
	logger   *slog.Logger
}

// NewEventFanout creates an EventFanout. bus and notifier may be nil; the
// audit sink is required.
func NewEventFanout(audit domain.EventSink, bus domain.SignalBus, notifier Notifier, logger *slog.Logger) *EventFanout {
	return &EventFanout{
		audit:    audit,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "events")),
	}
}

// Log records one lifecycle event across all configured targets.
func (f *EventFanout) Log(ctx context.Context, ruleID, event string, detail map[string]any) error {
	if err := f.audit.Log(ctx, ruleID, event, detail); err != nil {
		f.logger.Warn("audit write failed",
			slog.String("rule_id", ruleID),
			slog.String("event", event),
			slog.Any("error", err))
	}

	if f.bus != nil {
		f.mirror(ctx, ruleID, event, detail)
	}

	if f.notifier != nil {
		f.notifier.Notify(ctx, ruleID, event, detail)
	}

	return nil
}

func (f *EventFanout) mirror(ctx context.Context, ruleID, event string, detail map[string]any) {
	payload, err := json.Marshal(eventEnvelope{
		RuleID:    ruleID,
		Event:     event,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		f.logger.Warn("event marshal failed",
			slog.String("event", event),
			slog.Any("error", err))
		return
	}

	if ruleID != "" {
		if err := f.bus.Publish(ctx, "rules:"+ruleID, payload); err != nil {
			f.logger.Warn("event publish failed",
				slog.String("rule_id", ruleID),
				slog.Any("error", err))
		}
	}

	if err := f.bus.StreamAppend(ctx, domain.EventsStream, payload); err != nil {
		f.logger.Warn("event stream append failed",
			slog.String("event", event),
			slog.Any("error", err))
	}
}

// Compile-time interface check.
var _ domain.EventSink = (*EventFanout)(nil)
