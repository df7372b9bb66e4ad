package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

// AuditStore is an in-memory implementation of domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	nextID  int64
}

// NewAuditStore creates an empty in-memory audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{nextID: 1}
}

// Log appends a lifecycle entry.
func (s *AuditStore) Log(_ context.Context, ruleID, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var detailCopy map[string]any
	if detail != nil {
		detailCopy = make(map[string]any, len(detail))
		for k, v := range detail {
			detailCopy[k] = v
		}
	}

	s.entries = append(s.entries, domain.AuditEntry{
		ID:        s.nextID,
		RuleID:    ruleID,
		Event:     event,
		Detail:    detailCopy,
		CreatedAt: time.Now().UTC(),
	})
	s.nextID++
	return nil
}

// ListByRule returns entries for one rule, newest first.
func (s *AuditStore) ListByRule(_ context.Context, ruleID string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []domain.AuditEntry
	for _, e := range s.entries {
		if e.RuleID == ruleID {
			matched = append(matched, e)
		}
	}
	return pageNewestFirst(matched, opts), nil
}

// ListRecent returns the newest entries across all rules.
func (s *AuditStore) ListRecent(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.AuditEntry, len(s.entries))
	copy(matched, s.entries)
	return pageNewestFirst(matched, opts), nil
}

// ListBefore returns entries created strictly before the cutoff, oldest
// first.
func (s *AuditStore) ListBefore(_ context.Context, before time.Time) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []domain.AuditEntry
	for _, e := range s.entries {
		if e.CreatedAt.Before(before) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ID < matched[j].ID
	})
	return matched, nil
}

// DeleteBefore prunes entries created strictly before the cutoff and
// returns the number removed.
func (s *AuditStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []domain.AuditEntry
	var removed int64
	for _, e := range s.entries {
		if e.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

func pageNewestFirst(entries []domain.AuditEntry, opts domain.ListOpts) []domain.AuditEntry {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID > entries[j].ID
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(entries) {
			return nil
		}
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries
}

// Compile-time interface check.
var _ domain.AuditStore = (*AuditStore)(nil)
