package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/sentinelmarkets/sentinel/internal/domain"
	"github.com/sentinelmarkets/sentinel/internal/engine"
)

// DryRunExecutor logs the exits it would have placed and reports success
// without touching the exchange or the signing key. Wired in dry-run mode.
type DryRunExecutor struct {
	logger *slog.Logger
	placed atomic.Int64
}

// NewDryRunExecutor creates a DryRunExecutor.
func NewDryRunExecutor(logger *slog.Logger) *DryRunExecutor {
	return &DryRunExecutor{
		logger: logger.With(
			slog.String("component", "executor"),
			slog.Bool("dry_run", true),
		),
	}
}

var _ engine.ExitExecutor = (*DryRunExecutor)(nil)

// dryRunTicket describes an intended exit with no signed order behind it.
type dryRunTicket struct {
	ruleID  string
	tokenID string
	action  domain.ExitAction
	price   float64
}

// Describe returns the audit payload for the intended exit.
func (t *dryRunTicket) Describe() map[string]any {
	d := map[string]any{
		"side":       string(domain.OrderSideSell),
		"order_type": string(domain.OrderTypeFAK),
		"action":     string(t.action.Type),
		"dry_run":    true,
	}
	if t.action.Type == domain.ActionSellPartial {
		d["size"] = t.action.Amount
	}
	return d
}

// Prepare records the intended exit. It never fails: there is no sizing
// lookup and no key to sign with.
func (x *DryRunExecutor) Prepare(ctx context.Context, rule domain.TradeRule, tick domain.PriceTick) (engine.ExitTicket, error) {
	return &dryRunTicket{
		ruleID:  rule.ID,
		tokenID: rule.TokenID,
		action:  rule.Action,
		price:   tick.Price,
	}, nil
}

// Submit logs the intended order and fabricates a matched result.
func (x *DryRunExecutor) Submit(ctx context.Context, ticket engine.ExitTicket) (domain.OrderResult, error) {
	t, ok := ticket.(*dryRunTicket)
	if !ok {
		return domain.OrderResult{}, fmt.Errorf("executor: unexpected ticket type %T", ticket)
	}

	size := "all"
	if t.action.Type == domain.ActionSellPartial {
		size = strconv.FormatFloat(t.action.Amount, 'f', -1, 64)
	}

	n := x.placed.Add(1)
	x.logger.Info("dry-run exit",
		slog.String("rule_id", t.ruleID),
		slog.String("token", t.tokenID),
		slog.String("size", size),
		slog.Float64("price", t.price),
	)

	return domain.OrderResult{
		Success: true,
		OrderID: fmt.Sprintf("dry-run-%d", n),
		Status:  domain.OrderStatusMatched,
	}, nil
}
