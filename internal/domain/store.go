package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// RuleStore is the owner-scoped persistence surface for trade rules. Every
// read and write is keyed by the owner, so it is safe to hand to
// external-facing code.
type RuleStore interface {
	Create(ctx context.Context, rule TradeRule) error

	// Get returns ErrNotFound when the id is unknown or belongs to a
	// different owner; callers cannot distinguish the two cases.
	Get(ctx context.Context, owner, id string) (TradeRule, error)

	// ListByOwner returns the owner's rules, optionally filtered by
	// status (empty status means all), newest first.
	ListByOwner(ctx context.Context, owner string, status RuleStatus) ([]TradeRule, error)

	// UpdateTriggerPrice changes the trigger while the rule is ACTIVE.
	// Returns ErrRuleNotActive otherwise and ErrNotFound for unknown ids.
	UpdateTriggerPrice(ctx context.Context, owner, id string, price float64) error

	// Cancel moves an ACTIVE or FAILED rule to CANCELED. Terminal rules
	// return ErrRuleTerminal; unknown ids return ErrNotFound.
	Cancel(ctx context.Context, owner, id string) error
}

// RuleJudge is the privileged, unscoped surface the evaluator runs on. It
// must never be reachable from external-facing code; the owner scoping of
// RuleStore is the tenancy boundary, and this interface bypasses it.
//
// The Mark/Ratchet calls share one pattern: a single conditional write
// whose affected-row count becomes the boolean result. A false return
// means another writer resolved the rule first; it is an expected
// outcome, not an error.
type RuleJudge interface {
	// ListActive returns every ACTIVE rule across all owners.
	ListActive(ctx context.Context) ([]TradeRule, error)

	// ListActiveByToken returns the ACTIVE rules watching one outcome
	// token; these are the evaluation candidates for a tick.
	ListActiveByToken(ctx context.Context, tokenID string) ([]TradeRule, error)

	// ListByStatus returns all rules in the given status across owners.
	ListByStatus(ctx context.Context, status RuleStatus) ([]TradeRule, error)

	// CountByStatus returns rule counts grouped by status.
	CountByStatus(ctx context.Context) (map[RuleStatus]int64, error)

	// MarkTriggered resolves ACTIVE -> TRIGGERED, recording the execution
	// transaction hash when present. True iff this call won the
	// transition.
	MarkTriggered(ctx context.Context, id, txHash string) (bool, error)

	// MarkFailed resolves ACTIVE -> FAILED with the execution error.
	MarkFailed(ctx context.Context, id, errMsg string) (bool, error)

	// RatchetTrigger raises a TRAILING_STOP trigger price. The write
	// applies only while the rule is ACTIVE and the stored trigger is
	// strictly below newTrigger; the monotonicity of the ratchet is the
	// store predicate, not caller logic.
	RatchetTrigger(ctx context.Context, id string, newTrigger float64) (bool, error)

	// RecordTriggerTx stores the exit transaction hash on a TRIGGERED
	// rule once execution completes. Status does not change.
	RecordTriggerTx(ctx context.Context, id, txHash string) (bool, error)

	// RecordTriggerError stores an execution failure on a TRIGGERED
	// rule. TRIGGERED is terminal, so the failure is surfaced through
	// the error message rather than a status change.
	RecordTriggerError(ctx context.Context, id, errMsg string) (bool, error)
}

// RuleArchiveStore provides read access to terminal rules for archival.
type RuleArchiveStore interface {
	// ListTerminalBefore returns TRIGGERED and CANCELED rules last
	// updated strictly before the cutoff.
	ListTerminalBefore(ctx context.Context, before time.Time) ([]TradeRule, error)
}

// AuditStore persists the append-only lifecycle log.
type AuditStore interface {
	EventSink
	ListByRule(ctx context.Context, ruleID string, opts ListOpts) ([]AuditEntry, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}
