package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelmarkets/sentinel/internal/domain"
	"github.com/sentinelmarkets/sentinel/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTicket struct{}

func (fakeTicket) Describe() map[string]any {
	return map[string]any{"size": 100.0}
}

// fakeExecutor records calls and fails on demand. onPrepare runs before
// the prepare result is decided, which lets tests interleave store
// mutations between preparation and the trigger claim.
type fakeExecutor struct {
	mu         sync.Mutex
	prepareErr error
	submitErr  error
	onPrepare  func(rule domain.TradeRule)
	prepared   []string
	submitted  int
}

func (f *fakeExecutor) Prepare(_ context.Context, rule domain.TradeRule, _ domain.PriceTick) (ExitTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onPrepare != nil {
		f.onPrepare(rule)
	}
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	f.prepared = append(f.prepared, rule.ID)
	return fakeTicket{}, nil
}

func (f *fakeExecutor) Submit(_ context.Context, _ ExitTicket) (domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return domain.OrderResult{}, f.submitErr
	}
	f.submitted++
	return domain.OrderResult{
		Success:  true,
		OrderID:  "ord-1",
		Status:   domain.OrderStatusMatched,
		TxHashes: []string{"0xdeadbeef"},
	}, nil
}

func (f *fakeExecutor) preparedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prepared)
}

func (f *fakeExecutor) submittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted
}

type evalHarness struct {
	store    *memory.RuleStore
	audit    *memory.AuditStore
	executor *fakeExecutor
	eval     *Evaluator
}

func newEvalHarness() *evalHarness {
	store := memory.NewRuleStore()
	audit := memory.NewAuditStore()
	executor := &fakeExecutor{}
	return &evalHarness{
		store:    store,
		audit:    audit,
		executor: executor,
		eval:     NewEvaluator(store, executor, audit, testLogger()),
	}
}

func (h *evalHarness) createRule(t *testing.T, rule domain.TradeRule) domain.TradeRule {
	t.Helper()
	require.NoError(t, h.store.Create(context.Background(), rule))
	return rule
}

func (h *evalHarness) tick(tokenID string, price float64) {
	h.eval.EvaluateTick(context.Background(), domain.PriceTick{TokenID: tokenID, Price: price})
}

func (h *evalHarness) ruleStatus(t *testing.T, owner, id string) domain.TradeRule {
	t.Helper()
	rule, err := h.store.Get(context.Background(), owner, id)
	require.NoError(t, err)
	return rule
}

func (h *evalHarness) auditEvents(t *testing.T, ruleID string) []string {
	t.Helper()
	entries, err := h.audit.ListByRule(context.Background(), ruleID, domain.ListOpts{})
	require.NoError(t, err)
	events := make([]string, len(entries))
	for i, e := range entries {
		events[i] = e.Event
	}
	return events
}

func stopLossRule(owner, token string, trigger float64) domain.TradeRule {
	return domain.TradeRule{
		ID:            uuid.NewString(),
		OwnerSecretID: owner,
		RuleType:      domain.RuleTypeStopLoss,
		MarketID:      "0xmkt",
		TokenID:       token,
		Side:          domain.SideBuy,
		TriggerPrice:  trigger,
		Action:        domain.ExitAction{Type: domain.ActionSellAll},
		Status:        domain.RuleStatusActive,
	}
}

func TestEvaluatorStopLossBoundary(t *testing.T) {
	h := newEvalHarness()
	rule := h.createRule(t, stopLossRule("owner-a", "tok", 0.30))

	// Above the trigger: nothing happens.
	h.tick("tok", 0.31)
	assert.Equal(t, domain.RuleStatusActive, h.ruleStatus(t, "owner-a", rule.ID).Status)
	assert.Zero(t, h.executor.preparedCount())

	// At the trigger: fires, the comparison is inclusive.
	h.tick("tok", 0.30)
	got := h.ruleStatus(t, "owner-a", rule.ID)
	assert.Equal(t, domain.RuleStatusTriggered, got.Status)
	require.NotNil(t, got.TriggerTxHash)
	assert.Equal(t, "0xdeadbeef", *got.TriggerTxHash)
	assert.Equal(t, 1, h.executor.submittedCount())

	// Later ticks find no ACTIVE candidate; nothing re-fires.
	h.tick("tok", 0.10)
	assert.Equal(t, 1, h.executor.preparedCount())
	assert.Equal(t, 1, h.executor.submittedCount())

	assert.Contains(t, h.auditEvents(t, rule.ID), domain.EventRuleTriggered)
}

func TestEvaluatorTakeProfit(t *testing.T) {
	h := newEvalHarness()
	rule := stopLossRule("owner-a", "tok", 0.70)
	rule.RuleType = domain.RuleTypeTakeProfit
	h.createRule(t, rule)

	h.tick("tok", 0.69)
	assert.Equal(t, domain.RuleStatusActive, h.ruleStatus(t, "owner-a", rule.ID).Status)

	h.tick("tok", 0.70)
	assert.Equal(t, domain.RuleStatusTriggered, h.ruleStatus(t, "owner-a", rule.ID).Status)
}

func TestEvaluatorSellSideMirrors(t *testing.T) {
	h := newEvalHarness()

	stop := stopLossRule("owner-a", "tok-sl", 0.60)
	stop.Side = domain.SideSell
	h.createRule(t, stop)

	profit := stopLossRule("owner-a", "tok-tp", 0.40)
	profit.RuleType = domain.RuleTypeTakeProfit
	profit.Side = domain.SideSell
	h.createRule(t, profit)

	// A SELL position loses as the price rises.
	h.tick("tok-sl", 0.59)
	assert.Equal(t, domain.RuleStatusActive, h.ruleStatus(t, "owner-a", stop.ID).Status)
	h.tick("tok-sl", 0.60)
	assert.Equal(t, domain.RuleStatusTriggered, h.ruleStatus(t, "owner-a", stop.ID).Status)

	// And profits as it falls.
	h.tick("tok-tp", 0.41)
	assert.Equal(t, domain.RuleStatusActive, h.ruleStatus(t, "owner-a", profit.ID).Status)
	h.tick("tok-tp", 0.40)
	assert.Equal(t, domain.RuleStatusTriggered, h.ruleStatus(t, "owner-a", profit.ID).Status)
}

func TestEvaluatorTrailingRatchet(t *testing.T) {
	h := newEvalHarness()

	rule := stopLossRule("owner-a", "tok", 0.45)
	rule.RuleType = domain.RuleTypeTrailingStop
	pct := 10.0
	rule.TrailingPercent = &pct
	h.createRule(t, rule)

	// Price runs up: the trigger follows at 10% below.
	h.tick("tok", 0.60)
	got := h.ruleStatus(t, "owner-a", rule.ID)
	assert.Equal(t, domain.RuleStatusActive, got.Status)
	assert.InDelta(t, 0.54, got.TriggerPrice, 1e-9)
	assert.Contains(t, h.auditEvents(t, rule.ID), domain.EventRuleTrailingUpdated)

	// A pullback that stays above the trigger neither ratchets nor fires.
	h.tick("tok", 0.55)
	got = h.ruleStatus(t, "owner-a", rule.ID)
	assert.Equal(t, domain.RuleStatusActive, got.Status)
	assert.InDelta(t, 0.54, got.TriggerPrice, 1e-9)

	// Touching the ratcheted trigger fires the stop.
	h.tick("tok", 0.54)
	got = h.ruleStatus(t, "owner-a", rule.ID)
	assert.Equal(t, domain.RuleStatusTriggered, got.Status)
	assert.Equal(t, 1, h.executor.submittedCount())
}

func TestEvaluatorTrailingRatchetsBeforeFiring(t *testing.T) {
	h := newEvalHarness()

	rule := stopLossRule("owner-a", "tok", 0.20)
	rule.RuleType = domain.RuleTypeTrailingStop
	pct := 50.0
	rule.TrailingPercent = &pct
	h.createRule(t, rule)

	// Candidate 0.25 beats the stored 0.20, so the trigger ratchets
	// first; 0.50 sits above it, so the rule stays armed.
	h.tick("tok", 0.50)
	got := h.ruleStatus(t, "owner-a", rule.ID)
	assert.Equal(t, domain.RuleStatusActive, got.Status)
	assert.InDelta(t, 0.25, got.TriggerPrice, 1e-9)
}

func TestEvaluatorPrepareFailure(t *testing.T) {
	h := newEvalHarness()
	h.executor.prepareErr = errors.New("wallet locked")

	rule := h.createRule(t, stopLossRule("owner-a", "tok", 0.30))

	h.tick("tok", 0.25)

	got := h.ruleStatus(t, "owner-a", rule.ID)
	assert.Equal(t, domain.RuleStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "wallet locked", *got.ErrorMessage)
	assert.Zero(t, h.executor.submittedCount())
	assert.Contains(t, h.auditEvents(t, rule.ID), domain.EventRuleFailed)

	// A FAILED rule is out of the candidate set; nothing retries it.
	h.tick("tok", 0.20)
	assert.Equal(t, domain.RuleStatusFailed, h.ruleStatus(t, "owner-a", rule.ID).Status)
}

func TestEvaluatorSubmitFailure(t *testing.T) {
	h := newEvalHarness()
	h.executor.submitErr = errors.New("order rejected: no liquidity")

	rule := h.createRule(t, stopLossRule("owner-a", "tok", 0.30))

	h.tick("tok", 0.30)

	// The claim is irreversible: the rule stays TRIGGERED with the
	// execution error recorded for the owner.
	got := h.ruleStatus(t, "owner-a", rule.ID)
	assert.Equal(t, domain.RuleStatusTriggered, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "order rejected: no liquidity", *got.ErrorMessage)
	assert.Nil(t, got.TriggerTxHash)
	assert.Contains(t, h.auditEvents(t, rule.ID), domain.EventRuleFailed)
	assert.NotContains(t, h.auditEvents(t, rule.ID), domain.EventRuleTriggered)
}

func TestEvaluatorAbsorbsClaimLoss(t *testing.T) {
	h := newEvalHarness()

	rule := h.createRule(t, stopLossRule("owner-a", "tok", 0.30))

	// The owner cancels between preparation and the claim; the evaluator
	// loses the conditional write and walks away without executing.
	h.executor.onPrepare = func(r domain.TradeRule) {
		err := h.store.Cancel(context.Background(), "owner-a", r.ID)
		if err != nil {
			t.Errorf("cancel failed: %v", err)
		}
	}

	h.tick("tok", 0.25)

	got := h.ruleStatus(t, "owner-a", rule.ID)
	assert.Equal(t, domain.RuleStatusCanceled, got.Status)
	assert.Zero(t, h.executor.submittedCount())
	assert.NotContains(t, h.auditEvents(t, rule.ID), domain.EventRuleTriggered)
	assert.NotContains(t, h.auditEvents(t, rule.ID), domain.EventRuleFailed)
}

func TestEvaluatorIgnoresInvalidTicks(t *testing.T) {
	h := newEvalHarness()
	h.createRule(t, stopLossRule("owner-a", "tok", 0.30))

	h.tick("tok", 0)
	h.tick("tok", -0.2)
	h.tick("tok", 1.2)

	assert.Zero(t, h.executor.preparedCount())
	ticks, triggers := h.eval.Stats()
	assert.Zero(t, ticks)
	assert.Zero(t, triggers)
}

func TestEvaluatorMultipleRulesSameToken(t *testing.T) {
	h := newEvalHarness()

	fires := h.createRule(t, stopLossRule("owner-a", "tok", 0.30))
	holds := stopLossRule("owner-b", "tok", 0.10)
	h.createRule(t, holds)

	h.tick("tok", 0.25)

	assert.Equal(t, domain.RuleStatusTriggered, h.ruleStatus(t, "owner-a", fires.ID).Status)
	assert.Equal(t, domain.RuleStatusActive, h.ruleStatus(t, "owner-b", holds.ID).Status)
}
