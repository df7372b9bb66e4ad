package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

// slugLookupTimeout bounds the best-effort Gamma call at rule creation so
// a slow metadata API cannot stall the create path.
const slugLookupTimeout = 2 * time.Second

// SlugResolver looks up the human-readable market slug for a condition id.
type SlugResolver interface {
	MarketSlug(ctx context.Context, conditionID string) (string, error)
}

// EnginePoker asks the engine to reconcile its feed subscriptions. A nil
// poker means the engine runs in another process and relies on its
// periodic reconcile instead.
type EnginePoker interface {
	Poke()
}

// RuleService owns the rule lifecycle on behalf of the HTTP layer: it
// validates input, assigns ids, resolves market metadata, and emits
// lifecycle events. All store access is owner-scoped.
type RuleService struct {
	rules  domain.RuleStore
	events domain.EventSink
	gamma  SlugResolver
	poker  EnginePoker
	logger *slog.Logger
}

// NewRuleService creates a RuleService. gamma and poker may be nil: the
// slug stays unresolved (the backfill picks it up later) and subscription
// freshness falls back to the engine's reconcile interval.
func NewRuleService(
	rules domain.RuleStore,
	events domain.EventSink,
	gamma SlugResolver,
	poker EnginePoker,
	logger *slog.Logger,
) *RuleService {
	return &RuleService{
		rules:  rules,
		events: events,
		gamma:  gamma,
		poker:  poker,
		logger: logger.With(slog.String("component", "rule_service")),
	}
}

// Create validates and persists a new ACTIVE rule for the owner. The
// market slug lookup is best-effort; a Gamma failure leaves it null and
// never fails the create.
func (s *RuleService) Create(ctx context.Context, owner string, in domain.NewRuleInput) (domain.TradeRule, error) {
	if err := in.Validate(); err != nil {
		return domain.TradeRule{}, fmt.Errorf("rule_service: create: %w", err)
	}

	now := time.Now().UTC()
	rule := domain.TradeRule{
		ID:              uuid.New().String(),
		OwnerSecretID:   owner,
		RuleType:        in.RuleType,
		MarketID:        in.MarketID,
		TokenID:         in.TokenID,
		Side:            in.Side,
		TriggerPrice:    in.TriggerPrice,
		TrailingPercent: in.TrailingPercent,
		Action:          in.Action,
		Status:          domain.RuleStatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if s.gamma != nil {
		slugCtx, cancel := context.WithTimeout(ctx, slugLookupTimeout)
		slug, err := s.gamma.MarketSlug(slugCtx, in.MarketID)
		cancel()
		if err != nil {
			s.logger.Warn("market slug lookup failed",
				slog.String("market_id", in.MarketID),
				slog.Any("error", err))
		} else {
			rule.MarketSlug = &slug
		}
	}

	if err := s.rules.Create(ctx, rule); err != nil {
		return domain.TradeRule{}, fmt.Errorf("rule_service: create rule: %w", err)
	}

	s.events.Log(ctx, rule.ID, domain.EventRuleCreated, map[string]any{
		"rule_type":     string(rule.RuleType),
		"market_id":     rule.MarketID,
		"token_id":      rule.TokenID,
		"side":          string(rule.Side),
		"trigger_price": rule.TriggerPrice,
		"action":        string(rule.Action.Type),
	})

	if s.poker != nil {
		s.poker.Poke()
	}

	s.logger.Info("rule created",
		slog.String("rule_id", rule.ID),
		slog.String("rule_type", string(rule.RuleType)),
		slog.String("token_id", rule.TokenID))

	return rule, nil
}

// Get retrieves one of the owner's rules.
func (s *RuleService) Get(ctx context.Context, owner, id string) (domain.TradeRule, error) {
	rule, err := s.rules.Get(ctx, owner, id)
	if err != nil {
		return domain.TradeRule{}, fmt.Errorf("rule_service: get rule %s: %w", id, err)
	}
	return rule, nil
}

// List returns the owner's rules, newest first, optionally filtered by
// status.
func (s *RuleService) List(ctx context.Context, owner string, status domain.RuleStatus) ([]domain.TradeRule, error) {
	switch status {
	case "", domain.RuleStatusActive, domain.RuleStatusTriggered,
		domain.RuleStatusFailed, domain.RuleStatusCanceled:
	default:
		return nil, fmt.Errorf("rule_service: list: %w",
			&domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)})
	}

	rules, err := s.rules.ListByOwner(ctx, owner, status)
	if err != nil {
		return nil, fmt.Errorf("rule_service: list rules: %w", err)
	}
	return rules, nil
}

// UpdateTriggerPrice changes an ACTIVE rule's trigger. The store's status
// guard decides the race against a concurrent trigger.
func (s *RuleService) UpdateTriggerPrice(ctx context.Context, owner, id string, price float64) (domain.TradeRule, error) {
	if err := domain.ValidateTriggerPrice(price); err != nil {
		return domain.TradeRule{}, fmt.Errorf("rule_service: update trigger: %w", err)
	}

	if err := s.rules.UpdateTriggerPrice(ctx, owner, id, price); err != nil {
		return domain.TradeRule{}, fmt.Errorf("rule_service: update trigger %s: %w", id, err)
	}

	rule, err := s.rules.Get(ctx, owner, id)
	if err != nil {
		return domain.TradeRule{}, fmt.Errorf("rule_service: reload rule %s: %w", id, err)
	}
	return rule, nil
}

// Cancel moves an ACTIVE or FAILED rule to CANCELED and nudges the engine
// to drop a now-unneeded subscription.
func (s *RuleService) Cancel(ctx context.Context, owner, id string) error {
	if err := s.rules.Cancel(ctx, owner, id); err != nil {
		return fmt.Errorf("rule_service: cancel rule %s: %w", id, err)
	}

	s.events.Log(ctx, id, domain.EventRuleCanceled, nil)

	if s.poker != nil {
		s.poker.Poke()
	}

	s.logger.Info("rule canceled", slog.String("rule_id", id))
	return nil
}
