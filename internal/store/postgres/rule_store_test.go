package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

func newTestRule(owner string, ruleType domain.RuleType) domain.TradeRule {
	r := domain.TradeRule{
		ID:            uuid.NewString(),
		OwnerSecretID: owner,
		RuleType:      ruleType,
		MarketID:      "0x1d6b2a7befc2ab7bed2bffdebf9b7a143b4030b6",
		TokenID:       "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		Side:          domain.SideBuy,
		TriggerPrice:  0.40,
		Action:        domain.ExitAction{Type: domain.ActionSellAll},
		Status:        domain.RuleStatusActive,
	}
	if ruleType == domain.RuleTypeTrailingStop {
		r.TrailingPercent = ptr(10.0)
	}
	return r
}

func TestRuleStoreCreateAndGet(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRuleStore(client.Pool())
	ctx := context.Background()

	rule := newTestRule("owner-a", domain.RuleTypeStopLoss)
	rule.MarketSlug = ptr("will-btc-close-above-100k")
	rule.Action = domain.ExitAction{Type: domain.ActionSellPartial, Amount: 25.5}

	require.NoError(t, store.Create(ctx, rule))

	got, err := store.Get(ctx, "owner-a", rule.ID)
	require.NoError(t, err)

	assert.Equal(t, rule.ID, got.ID)
	assert.Equal(t, rule.OwnerSecretID, got.OwnerSecretID)
	assert.Equal(t, domain.RuleTypeStopLoss, got.RuleType)
	assert.Equal(t, rule.MarketID, got.MarketID)
	require.NotNil(t, got.MarketSlug)
	assert.Equal(t, "will-btc-close-above-100k", *got.MarketSlug)
	assert.Equal(t, rule.TokenID, got.TokenID)
	assert.Equal(t, domain.SideBuy, got.Side)
	assert.InDelta(t, 0.40, got.TriggerPrice, 1e-9)
	assert.Nil(t, got.TrailingPercent)
	assert.Equal(t, domain.ActionSellPartial, got.Action.Type)
	assert.InDelta(t, 25.5, got.Action.Amount, 1e-9)
	assert.Equal(t, domain.RuleStatusActive, got.Status)
	assert.Nil(t, got.TriggeredAt)
	assert.Nil(t, got.TriggerTxHash)
	assert.Nil(t, got.ErrorMessage)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestRuleStoreGetScopedToOwner(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRuleStore(client.Pool())
	ctx := context.Background()

	rule := newTestRule("owner-a", domain.RuleTypeTakeProfit)
	require.NoError(t, store.Create(ctx, rule))

	_, err := store.Get(ctx, "owner-b", rule.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = store.Get(ctx, "owner-a", uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRuleStoreListByOwner(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRuleStore(client.Pool())
	ctx := context.Background()

	first := newTestRule("owner-a", domain.RuleTypeStopLoss)
	second := newTestRule("owner-a", domain.RuleTypeTakeProfit)
	other := newTestRule("owner-b", domain.RuleTypeStopLoss)
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, second))
	require.NoError(t, store.Create(ctx, other))

	require.NoError(t, store.Cancel(ctx, "owner-a", second.ID))

	all, err := store.ListByOwner(ctx, "owner-a", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := store.ListByOwner(ctx, "owner-a", domain.RuleStatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, first.ID, active[0].ID)

	canceled, err := store.ListByOwner(ctx, "owner-a", domain.RuleStatusCanceled)
	require.NoError(t, err)
	require.Len(t, canceled, 1)
	assert.Equal(t, second.ID, canceled[0].ID)
}

func TestRuleStoreUpdateTriggerPrice(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRuleStore(client.Pool())
	ctx := context.Background()

	rule := newTestRule("owner-a", domain.RuleTypeStopLoss)
	require.NoError(t, store.Create(ctx, rule))

	require.NoError(t, store.UpdateTriggerPrice(ctx, "owner-a", rule.ID, 0.35))

	got, err := store.Get(ctx, "owner-a", rule.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.35, got.TriggerPrice, 1e-9)

	err = store.UpdateTriggerPrice(ctx, "owner-b", rule.ID, 0.30)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = store.UpdateTriggerPrice(ctx, "owner-a", uuid.NewString(), 0.30)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.Cancel(ctx, "owner-a", rule.ID))
	err = store.UpdateTriggerPrice(ctx, "owner-a", rule.ID, 0.30)
	assert.ErrorIs(t, err, domain.ErrRuleNotActive)

	got, err = store.Get(ctx, "owner-a", rule.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.35, got.TriggerPrice, 1e-9, "resolved rule must keep its trigger")
}

func TestRuleStoreCancelLifecycle(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRuleStore(client.Pool())
	ctx := context.Background()

	rule := newTestRule("owner-a", domain.RuleTypeStopLoss)
	require.NoError(t, store.Create(ctx, rule))

	require.NoError(t, store.Cancel(ctx, "owner-a", rule.ID))

	got, err := store.Get(ctx, "owner-a", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatusCanceled, got.Status)

	// Canceling is not idempotent: a second cancel reports the terminal
	// state instead of silently succeeding.
	err = store.Cancel(ctx, "owner-a", rule.ID)
	assert.ErrorIs(t, err, domain.ErrRuleTerminal)

	err = store.Cancel(ctx, "owner-b", rule.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRuleStoreCancelAfterFailure(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRuleStore(client.Pool())
	ctx := context.Background()

	rule := newTestRule("owner-a", domain.RuleTypeStopLoss)
	require.NoError(t, store.Create(ctx, rule))

	ok, err := store.MarkFailed(ctx, rule.ID, "order rejected: insufficient balance")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.Get(ctx, "owner-a", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "order rejected: insufficient balance", *got.ErrorMessage)

	// FAILED rules stay cancelable so owners can retire them.
	require.NoError(t, store.Cancel(ctx, "owner-a", rule.ID))

	got, err = store.Get(ctx, "owner-a", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatusCanceled, got.Status)
}

func TestRuleStoreMarkTriggered(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRuleStore(client.Pool())
	ctx := context.Background()

	rule := newTestRule("owner-a", domain.RuleTypeTakeProfit)
	require.NoError(t, store.Create(ctx, rule))

	ok, err := store.MarkTriggered(ctx, rule.ID, "0xabc123")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, "owner-a", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatusTriggered, got.Status)
	require.NotNil(t, got.TriggeredAt)
	assert.WithinDuration(t, time.Now(), *got.TriggeredAt, time.Minute)
	require.NotNil(t, got.TriggerTxHash)
	assert.Equal(t, "0xabc123", *got.TriggerTxHash)

	// The row left ACTIVE already, so every later attempt loses.
	ok, err = store.MarkTriggered(ctx, rule.ID, "0xdef456")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.MarkFailed(ctx, rule.ID, "too late")
	require.NoError(t, err)
	assert.False(t, ok)

	err = store.Cancel(ctx, "owner-a", rule.ID)
	assert.ErrorIs(t, err, domain.ErrRuleTerminal)
}

func TestRuleStoreMarkTriggeredWithoutTxHash(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRuleStore(client.Pool())
	ctx := context.Background()

	rule := newTestRule("owner-a", domain.RuleTypeStopLoss)
	require.NoError(t, store.Create(ctx, rule))

	ok, err := store.MarkTriggered(ctx, rule.ID, "")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, "owner-a", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatusTriggered, got.Status)
	assert.Nil(t, got.TriggerTxHash)
}

func TestRuleStoreExactlyOneResolver(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRuleStore(client.Pool())
	ctx := context.Background()

	rule := newTestRule("owner-a", domain.RuleTypeStopLoss)
	require.NoError(t, store.Create(ctx, rule))

	const resolvers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, resolvers)

	for i := 0; i < resolvers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var ok bool
			var err error
			if n%2 == 0 {
				ok, err = store.MarkTriggered(ctx, rule.ID, "0xrace")
			} else {
				ok, err = store.MarkFailed(ctx, rule.ID, "lost race")
			}
			if err != nil {
				errs <- err
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), wins.Load(), "exactly one resolver may claim the rule")

	got, err := store.Get(ctx, "owner-a", rule.ID)
	require.NoError(t, err)
	assert.Contains(t,
		[]domain.RuleStatus{domain.RuleStatusTriggered, domain.RuleStatusFailed},
		got.Status)
}

func TestRuleStoreRecordExecutionOutcome(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRuleStore(client.Pool())
	ctx := context.Background()

	rule := newTestRule("owner-a", domain.RuleTypeStopLoss)
	require.NoError(t, store.Create(ctx, rule))

	// Execution metadata only lands on claimed rules.
	ok, err := store.RecordTriggerTx(ctx, rule.ID, "0xabc")
	require.NoError(t, err)
	assert.False(t, ok)

	won, err := store.MarkTriggered(ctx, rule.ID, "")
	require.NoError(t, err)
	require.True(t, won)

	ok, err = store.RecordTriggerTx(ctx, rule.ID, "0xabc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.RecordTriggerError(ctx, rule.ID, "FAK order killed: no liquidity")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, "owner-a", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatusTriggered, got.Status)
	require.NotNil(t, got.TriggerTxHash)
	assert.Equal(t, "0xabc", *got.TriggerTxHash)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "FAK order killed: no liquidity", *got.ErrorMessage)
}

func TestRuleStoreListActiveByToken(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRuleStore(client.Pool())
	ctx := context.Background()

	watching := newTestRule("owner-a", domain.RuleTypeStopLoss)
	watching.TokenID = "token-x"
	sameToken := newTestRule("owner-b", domain.RuleTypeTakeProfit)
	sameToken.TokenID = "token-x"
	otherToken := newTestRule("owner-a", domain.RuleTypeStopLoss)
	otherToken.TokenID = "token-y"
	resolved := newTestRule("owner-a", domain.RuleTypeStopLoss)
	resolved.TokenID = "token-x"

	for _, r := range []domain.TradeRule{watching, sameToken, otherToken, resolved} {
		require.NoError(t, store.Create(ctx, r))
	}
	require.NoError(t, store.Cancel(ctx, "owner-a", resolved.ID))

	candidates, err := store.ListActiveByToken(ctx, "token-x")
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	ids := []string{candidates[0].ID, candidates[1].ID}
	assert.Contains(t, ids, watching.ID)
	assert.Contains(t, ids, sameToken.ID)
}

func TestRuleStoreRatchetTrigger(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRuleStore(client.Pool())
	ctx := context.Background()

	rule := newTestRule("owner-a", domain.RuleTypeTrailingStop)
	rule.TriggerPrice = 0.45
	require.NoError(t, store.Create(ctx, rule))

	ok, err := store.RatchetTrigger(ctx, rule.ID, 0.50)
	require.NoError(t, err)
	assert.True(t, ok)

	// A candidate at or below the stored trigger must not move it.
	ok, err = store.RatchetTrigger(ctx, rule.ID, 0.50)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.RatchetTrigger(ctx, rule.ID, 0.48)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "owner-a", rule.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.50, got.TriggerPrice, 1e-9)

	require.NoError(t, store.Cancel(ctx, "owner-a", rule.ID))
	ok, err = store.RatchetTrigger(ctx, rule.ID, 0.60)
	require.NoError(t, err)
	assert.False(t, ok, "resolved rules never ratchet")
}

func TestRuleStoreRatchetIgnoresFixedTriggers(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRuleStore(client.Pool())
	ctx := context.Background()

	rule := newTestRule("owner-a", domain.RuleTypeStopLoss)
	require.NoError(t, store.Create(ctx, rule))

	ok, err := store.RatchetTrigger(ctx, rule.ID, 0.90)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "owner-a", rule.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.40, got.TriggerPrice, 1e-9)
}

func TestRuleStoreListActiveAndCounts(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRuleStore(client.Pool())
	ctx := context.Background()

	a := newTestRule("owner-a", domain.RuleTypeStopLoss)
	b := newTestRule("owner-b", domain.RuleTypeTakeProfit)
	c := newTestRule("owner-b", domain.RuleTypeTrailingStop)
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))
	require.NoError(t, store.Create(ctx, c))

	ok, err := store.MarkTriggered(ctx, b.ID, "0xabc")
	require.NoError(t, err)
	require.True(t, ok)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	ids := []string{active[0].ID, active[1].ID}
	assert.Contains(t, ids, a.ID)
	assert.Contains(t, ids, c.ID)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[domain.RuleStatusActive])
	assert.Equal(t, int64(1), counts[domain.RuleStatusTriggered])
}

func TestRuleStoreListTerminalBefore(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRuleStore(client.Pool())
	ctx := context.Background()

	triggered := newTestRule("owner-a", domain.RuleTypeStopLoss)
	canceled := newTestRule("owner-a", domain.RuleTypeTakeProfit)
	active := newTestRule("owner-a", domain.RuleTypeStopLoss)
	require.NoError(t, store.Create(ctx, triggered))
	require.NoError(t, store.Create(ctx, canceled))
	require.NoError(t, store.Create(ctx, active))

	ok, err := store.MarkTriggered(ctx, triggered.ID, "0xabc")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Cancel(ctx, "owner-a", canceled.ID))

	past, err := store.ListTerminalBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, past)

	terminal, err := store.ListTerminalBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, terminal, 2)
	ids := []string{terminal[0].ID, terminal[1].ID}
	assert.Contains(t, ids, triggered.ID)
	assert.Contains(t, ids, canceled.ID)
	assert.NotContains(t, ids, active.ID)
}

func TestRuleStoreTrailingPercentConstraint(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewRuleStore(client.Pool())
	ctx := context.Background()

	// The schema enforces the pairing even if a caller skips validation.
	bad := newTestRule("owner-a", domain.RuleTypeStopLoss)
	bad.TrailingPercent = ptr(10.0)
	assert.Error(t, store.Create(ctx, bad))

	missing := newTestRule("owner-a", domain.RuleTypeTrailingStop)
	missing.TrailingPercent = nil
	assert.Error(t, store.Create(ctx, missing))
}
