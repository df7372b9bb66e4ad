package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

// RuleStore is an in-memory implementation of domain.RuleStore and
// domain.RuleJudge, used by dry-run mode and tests. Status transitions
// happen under the write lock, giving the same exactly-one-winner
// behavior the SQL status guards provide.
type RuleStore struct {
	mu   sync.RWMutex
	data map[string]*domain.TradeRule // keyed by rule id
}

// NewRuleStore creates an empty in-memory rule store.
func NewRuleStore() *RuleStore {
	return &RuleStore{
		data: make(map[string]*domain.TradeRule),
	}
}

// cloneRule copies a rule including its pointer fields so callers cannot
// mutate stored state.
func cloneRule(r *domain.TradeRule) *domain.TradeRule {
	c := *r
	if r.MarketSlug != nil {
		v := *r.MarketSlug
		c.MarketSlug = &v
	}
	if r.TrailingPercent != nil {
		v := *r.TrailingPercent
		c.TrailingPercent = &v
	}
	if r.TriggeredAt != nil {
		v := *r.TriggeredAt
		c.TriggeredAt = &v
	}
	if r.TriggerTxHash != nil {
		v := *r.TriggerTxHash
		c.TriggerTxHash = &v
	}
	if r.ErrorMessage != nil {
		v := *r.ErrorMessage
		c.ErrorMessage = &v
	}
	return &c
}

// Create adds a new rule, stamping creation time.
func (s *RuleStore) Create(_ context.Context, r domain.TradeRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	s.data[r.ID] = cloneRule(&r)
	return nil
}

// Get retrieves a rule scoped to its owner.
func (s *RuleStore) Get(_ context.Context, owner, id string) (domain.TradeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.data[id]
	if !ok || r.OwnerSecretID != owner {
		return domain.TradeRule{}, domain.ErrNotFound
	}
	return *cloneRule(r), nil
}

// ListByOwner returns the owner's rules, newest first, optionally
// filtered by status.
func (s *RuleStore) ListByOwner(_ context.Context, owner string, status domain.RuleStatus) ([]domain.TradeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rules []domain.TradeRule
	for _, r := range s.data {
		if r.OwnerSecretID != owner {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		rules = append(rules, *cloneRule(r))
	}

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].CreatedAt.After(rules[j].CreatedAt)
	})
	return rules, nil
}

// UpdateTriggerPrice changes the trigger of an ACTIVE rule.
func (s *RuleStore) UpdateTriggerPrice(_ context.Context, owner, id string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[id]
	if !ok || r.OwnerSecretID != owner {
		return domain.ErrNotFound
	}
	if r.Status != domain.RuleStatusActive {
		return domain.ErrRuleNotActive
	}

	r.TriggerPrice = price
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// Cancel moves an ACTIVE or FAILED rule to CANCELED.
func (s *RuleStore) Cancel(_ context.Context, owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[id]
	if !ok || r.OwnerSecretID != owner {
		return domain.ErrNotFound
	}
	if !r.Cancelable() {
		return domain.ErrRuleTerminal
	}

	r.Status = domain.RuleStatusCanceled
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// ListActive returns every ACTIVE rule across all owners.
func (s *RuleStore) ListActive(ctx context.Context) ([]domain.TradeRule, error) {
	return s.ListByStatus(ctx, domain.RuleStatusActive)
}

// ListActiveByToken returns the evaluation candidates for one token,
// oldest first.
func (s *RuleStore) ListActiveByToken(_ context.Context, tokenID string) ([]domain.TradeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rules []domain.TradeRule
	for _, r := range s.data {
		if r.TokenID == tokenID && r.Status == domain.RuleStatusActive {
			rules = append(rules, *cloneRule(r))
		}
	}

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
	return rules, nil
}

// ListByStatus returns all rules in the given status, oldest first.
func (s *RuleStore) ListByStatus(_ context.Context, status domain.RuleStatus) ([]domain.TradeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rules []domain.TradeRule
	for _, r := range s.data {
		if r.Status == status {
			rules = append(rules, *cloneRule(r))
		}
	}

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
	return rules, nil
}

// CountByStatus returns rule counts grouped by status.
func (s *RuleStore) CountByStatus(_ context.Context) (map[domain.RuleStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.RuleStatus]int64)
	for _, r := range s.data {
		counts[r.Status]++
	}
	return counts, nil
}

// MarkTriggered resolves ACTIVE -> TRIGGERED. Returns false when another
// resolver got there first.
func (s *RuleStore) MarkTriggered(_ context.Context, id, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[id]
	if !ok || r.Status != domain.RuleStatusActive {
		return false, nil
	}

	now := time.Now().UTC()
	r.Status = domain.RuleStatusTriggered
	r.TriggeredAt = &now
	if txHash != "" {
		v := txHash
		r.TriggerTxHash = &v
	}
	r.UpdatedAt = now
	return true, nil
}

// MarkFailed resolves ACTIVE -> FAILED, recording the execution error.
func (s *RuleStore) MarkFailed(_ context.Context, id, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[id]
	if !ok || r.Status != domain.RuleStatusActive {
		return false, nil
	}

	v := errMsg
	r.Status = domain.RuleStatusFailed
	r.ErrorMessage = &v
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

// RecordTriggerTx stores the execution transaction hash on a claimed rule.
func (s *RuleStore) RecordTriggerTx(_ context.Context, id, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[id]
	if !ok || r.Status != domain.RuleStatusTriggered {
		return false, nil
	}

	if txHash == "" {
		r.TriggerTxHash = nil
	} else {
		v := txHash
		r.TriggerTxHash = &v
	}
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

// RecordTriggerError stores an execution failure on a claimed rule.
func (s *RuleStore) RecordTriggerError(_ context.Context, id, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[id]
	if !ok || r.Status != domain.RuleStatusTriggered {
		return false, nil
	}

	v := errMsg
	r.ErrorMessage = &v
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

// RatchetTrigger raises a trailing stop's trigger price. Candidates that
// do not strictly raise the stored trigger change nothing.
func (s *RuleStore) RatchetTrigger(_ context.Context, id string, newTrigger float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[id]
	if !ok ||
		r.Status != domain.RuleStatusActive ||
		r.RuleType != domain.RuleTypeTrailingStop ||
		r.TriggerPrice >= newTrigger {
		return false, nil
	}

	r.TriggerPrice = newTrigger
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ListTerminalBefore returns TRIGGERED and CANCELED rules last updated
// strictly before the cutoff, oldest first.
func (s *RuleStore) ListTerminalBefore(_ context.Context, before time.Time) ([]domain.TradeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rules []domain.TradeRule
	for _, r := range s.data {
		if r.IsTerminal() && r.UpdatedAt.Before(before) {
			rules = append(rules, *cloneRule(r))
		}
	}

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].UpdatedAt.Before(rules[j].UpdatedAt)
	})
	return rules, nil
}

// ListMissingSlug returns up to limit ACTIVE rules without a market slug,
// oldest first.
func (s *RuleStore) ListMissingSlug(_ context.Context, limit int) ([]domain.TradeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rules []domain.TradeRule
	for _, r := range s.data {
		if r.Status == domain.RuleStatusActive && r.MarketSlug == nil {
			rules = append(rules, *cloneRule(r))
		}
	}

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
	if limit > 0 && len(rules) > limit {
		rules = rules[:limit]
	}
	return rules, nil
}

// SetMarketSlug fills in a rule's market slug if it is still unset.
func (s *RuleStore) SetMarketSlug(_ context.Context, id, slug string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[id]
	if !ok || r.MarketSlug != nil {
		return false, nil
	}

	v := slug
	r.MarketSlug = &v
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Compile-time interface checks.
var (
	_ domain.RuleStore        = (*RuleStore)(nil)
	_ domain.RuleJudge        = (*RuleStore)(nil)
	_ domain.RuleArchiveStore = (*RuleStore)(nil)
)
