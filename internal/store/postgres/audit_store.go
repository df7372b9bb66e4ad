package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

// AuditStore implements domain.AuditStore using PostgreSQL.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends a lifecycle entry. The detail map is stored as JSONB;
// ruleID may be empty for events not tied to one rule.
func (s *AuditStore) Log(ctx context.Context, ruleID, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}

	const query = `INSERT INTO audit_log (rule_id, event, detail) VALUES (NULLIF($1, ''), $2, $3)`
	_, err = s.pool.Exec(ctx, query, ruleID, event, detailJSON)
	if err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, err)
	}
	return nil
}

// ListByRule returns entries for one rule, newest first.
func (s *AuditStore) ListByRule(ctx context.Context, ruleID string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, COALESCE(rule_id, ''), event, detail, created_at
		FROM audit_log WHERE rule_id = $1 ORDER BY created_at DESC`
	args := []any{ruleID}

	query, args = applyPage(query, args, opts)

	return s.queryEntries(ctx, query, args...)
}

// ListRecent returns the newest entries across all rules.
func (s *AuditStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, COALESCE(rule_id, ''), event, detail, created_at
		FROM audit_log ORDER BY created_at DESC`
	args := []any{}

	query, args = applyPage(query, args, opts)

	return s.queryEntries(ctx, query, args...)
}

// ListBefore returns all entries created strictly before the cutoff, for
// archival.
func (s *AuditStore) ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error) {
	const query = `SELECT id, COALESCE(rule_id, ''), event, detail, created_at
		FROM audit_log WHERE created_at < $1 ORDER BY created_at`
	return s.queryEntries(ctx, query, before)
}

// DeleteBefore prunes entries created strictly before the cutoff. Callers
// must verify the corresponding archive upload first.
func (s *AuditStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM audit_log WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete audit entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func applyPage(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

func (s *AuditStore) queryEntries(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanAuditRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan audit entries: %w", err)
	}
	return entries, nil
}

func scanAuditRows(rows pgx.Rows) ([]domain.AuditEntry, error) {
	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detailJSON []byte

		if err := rows.Scan(&e.ID, &e.RuleID, &e.Event, &detailJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Compile-time interface check.
var _ domain.AuditStore = (*AuditStore)(nil)
