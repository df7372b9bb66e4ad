package service

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

func stopLossInput(marketID, tokenID string) domain.NewRuleInput {
	return domain.NewRuleInput{
		RuleType:     domain.RuleTypeStopLoss,
		MarketID:     marketID,
		TokenID:      tokenID,
		Side:         domain.SideBuy,
		TriggerPrice: 0.30,
		Action:       domain.ExitAction{Type: domain.ActionSellAll},
	}
}

type recordedEvent struct {
	ruleID string
	event  string
	detail map[string]any
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordingSink) Log(_ context.Context, ruleID, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{ruleID: ruleID, event: event, detail: detail})
	return nil
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.event
	}
	return out
}

type fakeResolver struct {
	slug  string
	err   error
	calls int
	got   []string
}

func (r *fakeResolver) MarketSlug(_ context.Context, conditionID string) (string, error) {
	r.calls++
	r.got = append(r.got, conditionID)
	if r.err != nil {
		return "", r.err
	}
	return r.slug, nil
}

type fakePoker struct {
	pokes int
}

func (p *fakePoker) Poke() { p.pokes++ }

func newRuleService(t *testing.T) (*RuleService, *memory.RuleStore, *recordingSink, *fakeResolver, *fakePoker) {
	t.Helper()
	store := memory.NewRuleStore()
	sink := &recordingSink{}
	resolver := &fakeResolver{slug: "us-election-2028"}
	poker := &fakePoker{}
	svc := NewRuleService(store, sink, resolver, poker, testLogger())
	return svc, store, sink, resolver, poker
}

func TestRuleServiceCreate(t *testing.T) {
	svc, store, sink, resolver, poker := newRuleService(t)
	ctx := context.Background()

	rule, err := svc.Create(ctx, "owner-a", stopLossInput("0xcond", "tok-1"))
	require.NoError(t, err)

	_, err = uuid.Parse(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatusActive, rule.Status)
	assert.Equal(t, "owner-a", rule.OwnerSecretID)
	require.NotNil(t, rule.MarketSlug)
	assert.Equal(t, "us-election-2028", *rule.MarketSlug)
	assert.Equal(t, []string{"0xcond"}, resolver.got)

	stored, err := store.Get(ctx, "owner-a", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.TriggerPrice, stored.TriggerPrice)
	assert.Equal(t, rule.TokenID, stored.TokenID)

	assert.Equal(t, []string{domain.EventRuleCreated}, sink.names())
	assert.Equal(t, 1, poker.pokes)
}

func TestRuleServiceCreateRejectsInvalidInput(t *testing.T) {
	svc, store, sink, _, poker := newRuleService(t)
	ctx := context.Background()

	in := stopLossInput("0xcond", "tok-1")
	in.TriggerPrice = 1.5

	_, err := svc.Create(ctx, "owner-a", in)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	rules, err := store.ListByOwner(ctx, "owner-a", "")
	require.NoError(t, err)
	assert.Empty(t, rules)
	assert.Empty(t, sink.names())
	assert.Zero(t, poker.pokes)
}

func TestRuleServiceCreateSurvivesSlugFailure(t *testing.T) {
	svc, _, sink, resolver, _ := newRuleService(t)
	resolver.err = errors.New("gamma down")
	ctx := context.Background()

	rule, err := svc.Create(ctx, "owner-a", stopLossInput("0xcond", "tok-1"))
	require.NoError(t, err)
	assert.Nil(t, rule.MarketSlug)
	assert.Equal(t, []string{domain.EventRuleCreated}, sink.names())
}

func TestRuleServiceCreateWithoutResolverOrPoker(t *testing.T) {
	store := memory.NewRuleStore()
	sink := &recordingSink{}
	svc := NewRuleService(store, sink, nil, nil, testLogger())

	rule, err := svc.Create(context.Background(), "owner-a", stopLossInput("0xcond", "tok-1"))
	require.NoError(t, err)
	assert.Nil(t, rule.MarketSlug)
}

func TestRuleServiceCancel(t *testing.T) {
	svc, store, sink, _, poker := newRuleService(t)
	ctx := context.Background()

	rule, err := svc.Create(ctx, "owner-a", stopLossInput("0xcond", "tok-1"))
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, "owner-a", rule.ID))

	stored, err := store.Get(ctx, "owner-a", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatusCanceled, stored.Status)
	assert.Equal(t, []string{domain.EventRuleCreated, domain.EventRuleCanceled}, sink.names())
	assert.Equal(t, 2, poker.pokes)

	// Cancel is not idempotent: the rule is already terminal.
	err = svc.Cancel(ctx, "owner-a", rule.ID)
	assert.ErrorIs(t, err, domain.ErrRuleTerminal)
}

func TestRuleServiceCancelWrongOwner(t *testing.T) {
	svc, _, _, _, _ := newRuleService(t)
	ctx := context.Background()

	rule, err := svc.Create(ctx, "owner-a", stopLossInput("0xcond", "tok-1"))
	require.NoError(t, err)

	err = svc.Cancel(ctx, "owner-b", rule.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRuleServiceUpdateTriggerPrice(t *testing.T) {
	svc, _, _, _, _ := newRuleService(t)
	ctx := context.Background()

	rule, err := svc.Create(ctx, "owner-a", stopLossInput("0xcond", "tok-1"))
	require.NoError(t, err)

	updated, err := svc.UpdateTriggerPrice(ctx, "owner-a", rule.ID, 0.25)
	require.NoError(t, err)
	assert.Equal(t, 0.25, updated.TriggerPrice)

	_, err = svc.UpdateTriggerPrice(ctx, "owner-a", rule.ID, 0.0)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	_, err = svc.UpdateTriggerPrice(ctx, "owner-a", "unknown", 0.25)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRuleServiceUpdateTriggerPriceNotActive(t *testing.T) {
	svc, store, _, _, _ := newRuleService(t)
	ctx := context.Background()

	rule, err := svc.Create(ctx, "owner-a", stopLossInput("0xcond", "tok-1"))
	require.NoError(t, err)
	ok, err := store.MarkTriggered(ctx, rule.ID, "0xabc")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.UpdateTriggerPrice(ctx, "owner-a", rule.ID, 0.25)
	assert.ErrorIs(t, err, domain.ErrRuleNotActive)
}

func TestRuleServiceList(t *testing.T) {
	svc, _, _, _, _ := newRuleService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, "owner-a", stopLossInput("0xcond", "tok-1"))
	require.NoError(t, err)
	_, err = svc.Create(ctx, "owner-a", stopLossInput("0xcond", "tok-2"))
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, "owner-a", first.ID))

	active, err := svc.List(ctx, "owner-a", domain.RuleStatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "tok-2", active[0].TokenID)

	all, err := svc.List(ctx, "owner-a", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = svc.List(ctx, "owner-a", "BOGUS")
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}
