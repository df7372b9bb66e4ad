package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

// RuleStore implements both rule persistence surfaces on PostgreSQL: the
// owner-scoped domain.RuleStore and the privileged domain.RuleJudge. Wiring
// decides which of the two a component sees; nothing else writes
// trade_rules.
type RuleStore struct {
	pool *pgxpool.Pool
}

// NewRuleStore creates a RuleStore backed by the given connection pool.
func NewRuleStore(pool *pgxpool.Pool) *RuleStore {
	return &RuleStore{pool: pool}
}

const ruleSelectCols = `id, owner_secret_id, rule_type, market_id, market_slug,
	token_id, side, trigger_price, trailing_percent, action_type, action_amount,
	status, triggered_at, trigger_tx_hash, error_message, created_at, updated_at`

func scanRule(row pgx.Row) (domain.TradeRule, error) {
	var r domain.TradeRule
	var ruleType, side, actionType, status string
	var actionAmount *float64

	err := row.Scan(
		&r.ID, &r.OwnerSecretID, &ruleType, &r.MarketID, &r.MarketSlug,
		&r.TokenID, &side, &r.TriggerPrice, &r.TrailingPercent,
		&actionType, &actionAmount,
		&status, &r.TriggeredAt, &r.TriggerTxHash, &r.ErrorMessage,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return domain.TradeRule{}, err
	}

	r.RuleType = domain.RuleType(ruleType)
	r.Side = domain.PositionSide(side)
	r.Status = domain.RuleStatus(status)
	r.Action = domain.ExitAction{Type: domain.ActionType(actionType)}
	if actionAmount != nil {
		r.Action.Amount = *actionAmount
	}
	return r, nil
}

func scanRules(rows pgx.Rows) ([]domain.TradeRule, error) {
	var rules []domain.TradeRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// Create inserts a new rule. The caller validates; the table's check
// constraints are the backstop.
func (s *RuleStore) Create(ctx context.Context, r domain.TradeRule) error {
	const query = `
		INSERT INTO trade_rules (
			id, owner_secret_id, rule_type, market_id, market_slug,
			token_id, side, trigger_price, trailing_percent,
			action_type, action_amount, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, NOW(), NOW()
		)`

	var actionAmount *float64
	if r.Action.Type == domain.ActionSellPartial {
		actionAmount = &r.Action.Amount
	}

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.OwnerSecretID, string(r.RuleType), r.MarketID, r.MarketSlug,
		r.TokenID, string(r.Side), r.TriggerPrice, r.TrailingPercent,
		string(r.Action.Type), actionAmount, string(r.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: create rule %s: %w", r.ID, err)
	}
	return nil
}

// Get retrieves a rule scoped to its owner. Unknown ids and other owners'
// rules are indistinguishable to the caller.
func (s *RuleStore) Get(ctx context.Context, owner, id string) (domain.TradeRule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+ruleSelectCols+` FROM trade_rules
		 WHERE id = $1 AND owner_secret_id = $2`, id, owner)

	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TradeRule{}, domain.ErrNotFound
		}
		return domain.TradeRule{}, fmt.Errorf("postgres: get rule %s: %w", id, err)
	}
	return r, nil
}

// ListByOwner returns the owner's rules, newest first, optionally filtered
// by status.
func (s *RuleStore) ListByOwner(ctx context.Context, owner string, status domain.RuleStatus) ([]domain.TradeRule, error) {
	query := `SELECT ` + ruleSelectCols + ` FROM trade_rules WHERE owner_secret_id = $1`
	args := []any{owner}

	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rules for owner: %w", err)
	}
	defer rows.Close()

	rules, err := scanRules(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan owner rules: %w", err)
	}
	return rules, nil
}

// UpdateTriggerPrice changes the trigger of an ACTIVE rule. The status
// guard lives in the statement so an evaluator resolving the rule at the
// same moment cannot be overwritten.
func (s *RuleStore) UpdateTriggerPrice(ctx context.Context, owner, id string, price float64) error {
	const query = `
		UPDATE trade_rules SET
			trigger_price = $3,
			updated_at    = NOW()
		WHERE id = $1 AND owner_secret_id = $2 AND status = 'ACTIVE'`

	tag, err := s.pool.Exec(ctx, query, id, owner, price)
	if err != nil {
		return fmt.Errorf("postgres: update trigger price %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, owner, id, domain.ErrRuleNotActive)
	}
	return nil
}

// Cancel moves an ACTIVE or FAILED rule to CANCELED.
func (s *RuleStore) Cancel(ctx context.Context, owner, id string) error {
	const query = `
		UPDATE trade_rules SET
			status     = 'CANCELED',
			updated_at = NOW()
		WHERE id = $1 AND owner_secret_id = $2 AND status IN ('ACTIVE', 'FAILED')`

	tag, err := s.pool.Exec(ctx, query, id, owner)
	if err != nil {
		return fmt.Errorf("postgres: cancel rule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, owner, id, domain.ErrRuleTerminal)
	}
	return nil
}

// explainMiss distinguishes "row does not exist for this owner" from "row
// exists but the status guard rejected the write".
func (s *RuleStore) explainMiss(ctx context.Context, owner, id string, stateErr error) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM trade_rules WHERE id = $1 AND owner_secret_id = $2)`,
		id, owner,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("postgres: check rule %s: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return stateErr
}

// ---------------------------------------------------------------------------
// Privileged surface (domain.RuleJudge)
// ---------------------------------------------------------------------------

// ListActive returns every ACTIVE rule across all owners.
func (s *RuleStore) ListActive(ctx context.Context) ([]domain.TradeRule, error) {
	return s.ListByStatus(ctx, domain.RuleStatusActive)
}

// ListActiveByToken returns the evaluation candidates for one token.
// Served by the partial index on (token_id) WHERE status = 'ACTIVE'.
func (s *RuleStore) ListActiveByToken(ctx context.Context, tokenID string) ([]domain.TradeRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleSelectCols+` FROM trade_rules
		 WHERE token_id = $1 AND status = 'ACTIVE' ORDER BY created_at`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active rules for token: %w", err)
	}
	defer rows.Close()

	rules, err := scanRules(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active token rules: %w", err)
	}
	return rules, nil
}

// ListByStatus returns all rules in the given status across all owners.
func (s *RuleStore) ListByStatus(ctx context.Context, status domain.RuleStatus) ([]domain.TradeRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleSelectCols+` FROM trade_rules
		 WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: list rules by status %s: %w", status, err)
	}
	defer rows.Close()

	rules, err := scanRules(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan rules by status: %w", err)
	}
	return rules, nil
}

// CountByStatus returns rule counts grouped by status.
func (s *RuleStore) CountByStatus(ctx context.Context) (map[domain.RuleStatus]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM trade_rules GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("postgres: count rules: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.RuleStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("postgres: scan rule count: %w", err)
		}
		counts[domain.RuleStatus(status)] = n
	}
	return counts, rows.Err()
}

// MarkTriggered resolves ACTIVE -> TRIGGERED. The affected-row count is
// the whole concurrency story: of any number of concurrent resolvers,
// exactly one sees the row while it still satisfies status = 'ACTIVE'.
func (s *RuleStore) MarkTriggered(ctx context.Context, id, txHash string) (bool, error) {
	const query = `
		UPDATE trade_rules SET
			status          = 'TRIGGERED',
			triggered_at    = NOW(),
			trigger_tx_hash = NULLIF($2, ''),
			updated_at      = NOW()
		WHERE id = $1 AND status = 'ACTIVE'`

	tag, err := s.pool.Exec(ctx, query, id, txHash)
	if err != nil {
		return false, fmt.Errorf("postgres: mark rule %s triggered: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed resolves ACTIVE -> FAILED, recording the execution error for
// the owner. Triggering is irreversible: a failed execution never puts
// the rule back to ACTIVE.
func (s *RuleStore) MarkFailed(ctx context.Context, id, errMsg string) (bool, error) {
	const query = `
		UPDATE trade_rules SET
			status        = 'FAILED',
			error_message = $2,
			updated_at    = NOW()
		WHERE id = $1 AND status = 'ACTIVE'`

	tag, err := s.pool.Exec(ctx, query, id, errMsg)
	if err != nil {
		return false, fmt.Errorf("postgres: mark rule %s failed: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordTriggerTx stores the execution transaction hash after a
// successful exit. Only metadata moves; the status guard keeps the write
// off rows that were never claimed.
func (s *RuleStore) RecordTriggerTx(ctx context.Context, id, txHash string) (bool, error) {
	const query = `
		UPDATE trade_rules SET
			trigger_tx_hash = NULLIF($2, ''),
			updated_at      = NOW()
		WHERE id = $1 AND status = 'TRIGGERED'`

	tag, err := s.pool.Exec(ctx, query, id, txHash)
	if err != nil {
		return false, fmt.Errorf("postgres: record trigger tx %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordTriggerError stores an execution failure on a claimed rule.
func (s *RuleStore) RecordTriggerError(ctx context.Context, id, errMsg string) (bool, error) {
	const query = `
		UPDATE trade_rules SET
			error_message = $2,
			updated_at    = NOW()
		WHERE id = $1 AND status = 'TRIGGERED'`

	tag, err := s.pool.Exec(ctx, query, id, errMsg)
	if err != nil {
		return false, fmt.Errorf("postgres: record trigger error %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RatchetTrigger raises a trailing stop's trigger price. The predicate
// carries the monotonic invariant: a stale or concurrent candidate that
// does not strictly raise the stored trigger changes nothing and returns
// false.
func (s *RuleStore) RatchetTrigger(ctx context.Context, id string, newTrigger float64) (bool, error) {
	const query = `
		UPDATE trade_rules SET
			trigger_price = $2,
			updated_at    = NOW()
		WHERE id = $1
		  AND status = 'ACTIVE'
		  AND rule_type = 'TRAILING_STOP'
		  AND trigger_price < $2`

	tag, err := s.pool.Exec(ctx, query, id, newTrigger)
	if err != nil {
		return false, fmt.Errorf("postgres: ratchet rule %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListTerminalBefore returns TRIGGERED and CANCELED rules last updated
// strictly before the cutoff, for archival.
func (s *RuleStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.TradeRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleSelectCols+` FROM trade_rules
		 WHERE status IN ('TRIGGERED', 'CANCELED') AND updated_at < $1
		 ORDER BY updated_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal rules: %w", err)
	}
	defer rows.Close()

	rules, err := scanRules(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal rules: %w", err)
	}
	return rules, nil
}

// ListMissingSlug returns up to limit ACTIVE rules whose market slug was
// never resolved, oldest first so the backfill drains the backlog in
// creation order.
func (s *RuleStore) ListMissingSlug(ctx context.Context, limit int) ([]domain.TradeRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleSelectCols+` FROM trade_rules
		 WHERE status = 'ACTIVE' AND market_slug IS NULL
		 ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rules missing slug: %w", err)
	}
	defer rows.Close()

	rules, err := scanRules(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan rules missing slug: %w", err)
	}
	return rules, nil
}

// SetMarketSlug fills in a rule's market slug if it is still unset. A
// concurrently resolved slug stays; the first writer wins.
func (s *RuleStore) SetMarketSlug(ctx context.Context, id, slug string) (bool, error) {
	const query = `
		UPDATE trade_rules SET
			market_slug = $2,
			updated_at  = NOW()
		WHERE id = $1 AND market_slug IS NULL`

	tag, err := s.pool.Exec(ctx, query, id, slug)
	if err != nil {
		return false, fmt.Errorf("postgres: set market slug %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Compile-time interface checks.
var (
	_ domain.RuleStore        = (*RuleStore)(nil)
	_ domain.RuleJudge        = (*RuleStore)(nil)
	_ domain.RuleArchiveStore = (*RuleStore)(nil)
)
