package engine

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

// ExitTicket is a prepared exit order held between the trigger claim and
// submission. Describe feeds the audit payload.
type ExitTicket interface {
	Describe() map[string]any
}

// ExitExecutor turns a claimed rule into an order on the book. Prepare
// front-loads everything local and fallible (sizing, building, signing)
// so a rule is never claimed for an exit that cannot even be attempted;
// Submit performs the network call.
type ExitExecutor interface {
	Prepare(ctx context.Context, rule domain.TradeRule, tick domain.PriceTick) (ExitTicket, error)
	Submit(ctx context.Context, ticket ExitTicket) (domain.OrderResult, error)
}

// Evaluator applies rule conditions to incoming ticks and walks claimed
// rules through execution. Every state transition goes through the
// judge's conditional writes; the evaluator itself never check-then-acts
// on shared state.
type Evaluator struct {
	judge    domain.RuleJudge
	executor ExitExecutor
	events   domain.EventSink
	logger   *slog.Logger

	ticks    atomic.Int64
	triggers atomic.Int64
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(judge domain.RuleJudge, executor ExitExecutor, events domain.EventSink, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		judge:    judge,
		executor: executor,
		events:   events,
		logger:   logger.With(slog.String("component", "evaluator")),
	}
}

// Stats returns the ticks-evaluated and triggers-fired counters.
func (e *Evaluator) Stats() (ticks, triggers int64) {
	return e.ticks.Load(), e.triggers.Load()
}

// conditionHolds reports whether the exit condition is met at price for
// the effective trigger. SELL-side positions mirror the comparison: a
// falling price is favorable for them, so the loss direction flips.
func conditionHolds(ruleType domain.RuleType, side domain.PositionSide, price, trigger float64) bool {
	switch ruleType {
	case domain.RuleTypeStopLoss, domain.RuleTypeTrailingStop:
		if side == domain.SideSell {
			return price >= trigger
		}
		return price <= trigger
	case domain.RuleTypeTakeProfit:
		if side == domain.SideSell {
			return price <= trigger
		}
		return price >= trigger
	default:
		return false
	}
}

// EvaluateTick runs every ACTIVE rule watching the tick's token against
// its price. Ticks for one token must be handed in sequentially; the
// dispatcher's partitioning guarantees that.
func (e *Evaluator) EvaluateTick(ctx context.Context, tick domain.PriceTick) {
	if !tick.Valid() {
		return
	}
	e.ticks.Add(1)

	rules, err := e.judge.ListActiveByToken(ctx, tick.TokenID)
	if err != nil {
		e.logger.Warn("listing candidate rules failed",
			slog.String("token_id", tick.TokenID),
			slog.Any("error", err))
		return
	}

	for _, rule := range rules {
		e.evaluateRule(ctx, rule, tick)
	}
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule domain.TradeRule, tick domain.PriceTick) {
	trigger := rule.TriggerPrice

	if rule.RuleType == domain.RuleTypeTrailingStop && rule.TrailingPercent != nil &&
		rule.Side == domain.SideBuy {
		candidate := tick.Price * (1 - *rule.TrailingPercent/100)
		if candidate > trigger {
			ok, err := e.judge.RatchetTrigger(ctx, rule.ID, candidate)
			switch {
			case err != nil:
				e.logger.Warn("trailing ratchet failed",
					slog.String("rule_id", rule.ID),
					slog.Any("error", err))
			case ok:
				trigger = candidate
				e.events.Log(ctx, rule.ID, domain.EventRuleTrailingUpdated, map[string]any{
					"trigger_price": candidate,
					"price":         tick.Price,
				})
			}
			// A losing ratchet means the rule was resolved or raised
			// higher concurrently; evaluation continues against the
			// trigger we read.
		}
	}

	if !conditionHolds(rule.RuleType, rule.Side, tick.Price, trigger) {
		return
	}

	ticket, err := e.executor.Prepare(ctx, rule, tick)
	if err != nil {
		won, ferr := e.judge.MarkFailed(ctx, rule.ID, err.Error())
		if ferr != nil {
			e.logger.Error("marking rule failed errored",
				slog.String("rule_id", rule.ID),
				slog.Any("error", ferr))
			return
		}
		if won {
			e.events.Log(ctx, rule.ID, domain.EventRuleFailed, map[string]any{
				"error": err.Error(),
				"price": tick.Price,
			})
			e.logger.Warn("exit preparation failed",
				slog.String("rule_id", rule.ID),
				slog.String("rule_type", string(rule.RuleType)),
				slog.Any("error", err))
		}
		return
	}

	won, err := e.judge.MarkTriggered(ctx, rule.ID, "")
	if err != nil {
		e.logger.Error("trigger claim errored",
			slog.String("rule_id", rule.ID),
			slog.Any("error", err))
		return
	}
	if !won {
		// Expected under concurrency: a cancel or another resolver got
		// there first.
		e.logger.Debug("trigger claim lost", slog.String("rule_id", rule.ID))
		return
	}
	e.triggers.Add(1)

	result, err := e.executor.Submit(ctx, ticket)
	if err != nil {
		if ok, rerr := e.judge.RecordTriggerError(ctx, rule.ID, err.Error()); rerr != nil {
			e.logger.Error("recording execution error failed",
				slog.String("rule_id", rule.ID),
				slog.Any("error", rerr))
		} else if ok {
			e.events.Log(ctx, rule.ID, domain.EventRuleFailed, map[string]any{
				"error": err.Error(),
				"price": tick.Price,
				"stage": "submit",
			})
		}
		e.logger.Error("exit submission failed",
			slog.String("rule_id", rule.ID),
			slog.String("token_id", rule.TokenID),
			slog.Any("error", err))
		return
	}

	txHash := ""
	if len(result.TxHashes) > 0 {
		txHash = result.TxHashes[0]
	}
	if txHash != "" {
		if _, err := e.judge.RecordTriggerTx(ctx, rule.ID, txHash); err != nil {
			e.logger.Warn("recording trigger tx failed",
				slog.String("rule_id", rule.ID),
				slog.Any("error", err))
		}
	}

	detail := map[string]any{
		"price":         tick.Price,
		"trigger_price": trigger,
		"order_id":      result.OrderID,
	}
	for k, v := range ticket.Describe() {
		detail[k] = v
	}
	if txHash != "" {
		detail["tx_hash"] = txHash
	}
	e.events.Log(ctx, rule.ID, domain.EventRuleTriggered, detail)

	e.logger.Info("rule triggered",
		slog.String("rule_id", rule.ID),
		slog.String("rule_type", string(rule.RuleType)),
		slog.String("token_id", rule.TokenID),
		slog.Float64("price", tick.Price),
		slog.String("order_id", result.OrderID))
}
