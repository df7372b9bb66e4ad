package domain

import (
	"context"
	"time"
)

// Rule lifecycle events recorded in the audit log and mirrored to the
// signal bus for dashboard consumption.
const (
	EventRuleCreated         = "RULE_CREATED"
	EventRuleCanceled        = "RULE_CANCELED"
	EventRuleTriggered       = "RULE_TRIGGERED"
	EventRuleFailed          = "RULE_FAILED"
	EventRuleTrailingUpdated = "RULE_TRAILING_UPDATED"
)

// Operational events recorded by background jobs. Not part of any rule's
// lifecycle; their audit entries carry an empty rule id.
const (
	EventArchiveRules = "ARCHIVE_RULES"
	EventArchiveAudit = "ARCHIVE_AUDIT"
)

// EventsStream is the durable signal-bus stream carrying the recent
// lifecycle trail, replayed to dashboard clients on connect.
const EventsStream = "events:rules"

// AuditEntry is a single append-only lifecycle record. RuleID is empty for
// events not tied to one rule.
type AuditEntry struct {
	ID        int64
	RuleID    string
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// EventSink accepts lifecycle events. Writes are fire-and-forget from the
// caller's point of view: a sink failure is logged, never propagated into
// a state mutation.
type EventSink interface {
	Log(ctx context.Context, ruleID, event string, detail map[string]any) error
}
