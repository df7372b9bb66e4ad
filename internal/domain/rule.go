package domain

import (
	"fmt"
	"time"
)

// RuleType selects the exit condition a rule watches for.
type RuleType string

const (
	RuleTypeStopLoss     RuleType = "STOP_LOSS"
	RuleTypeTakeProfit   RuleType = "TAKE_PROFIT"
	RuleTypeTrailingStop RuleType = "TRAILING_STOP"
)

// PositionSide is the direction of the position the rule protects.
type PositionSide string

const (
	SideBuy  PositionSide = "BUY"
	SideSell PositionSide = "SELL"
)

// RuleStatus tracks the rule lifecycle. TRIGGERED and CANCELED are
// terminal; FAILED may still be canceled by the owner.
type RuleStatus string

const (
	RuleStatusActive    RuleStatus = "ACTIVE"
	RuleStatusTriggered RuleStatus = "TRIGGERED"
	RuleStatusFailed    RuleStatus = "FAILED"
	RuleStatusCanceled  RuleStatus = "CANCELED"
)

// ActionType selects how much of the position is sold on trigger.
type ActionType string

const (
	ActionSellAll     ActionType = "SELL_ALL"
	ActionSellPartial ActionType = "SELL_PARTIAL"
)

// ExitAction describes the order placed when a rule fires. Amount is the
// share quantity to sell and is meaningful only for SELL_PARTIAL.
type ExitAction struct {
	Type   ActionType
	Amount float64
}

// TradeRule is a persisted exit trigger on one outcome token. Status and
// TriggerPrice are mutated only through the store's conditional updates.
type TradeRule struct {
	ID              string
	OwnerSecretID   string
	RuleType        RuleType
	MarketID        string
	MarketSlug      *string // best-effort metadata lookup, nil when unresolved
	TokenID         string
	Side            PositionSide
	TriggerPrice    float64  // strictly inside (0, 1)
	TrailingPercent *float64 // set iff RuleType is TRAILING_STOP
	Action          ExitAction
	Status          RuleStatus
	TriggeredAt     *time.Time
	TriggerTxHash   *string
	ErrorMessage    *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsTerminal reports whether no further transition is legal.
func (r TradeRule) IsTerminal() bool {
	return r.Status == RuleStatusTriggered || r.Status == RuleStatusCanceled
}

// Cancelable reports whether the owner may still cancel the rule.
func (r TradeRule) Cancelable() bool {
	return r.Status == RuleStatusActive || r.Status == RuleStatusFailed
}

// NewRuleInput carries the owner-supplied fields of a rule to be created.
type NewRuleInput struct {
	RuleType        RuleType
	MarketID        string
	TokenID         string
	Side            PositionSide
	TriggerPrice    float64
	TrailingPercent *float64
	Action          ExitAction
}

// Validate checks the cross-field schema of a new rule. Trigger prices are
// probabilities and must stay strictly inside (0, 1); trailing percent is
// required for TRAILING_STOP and forbidden otherwise. Trailing stops are
// supported for BUY positions only.
func (in NewRuleInput) Validate() error {
	switch in.RuleType {
	case RuleTypeStopLoss, RuleTypeTakeProfit, RuleTypeTrailingStop:
	default:
		return &ValidationError{Field: "ruleType", Reason: fmt.Sprintf("unknown rule type %q", in.RuleType)}
	}

	switch in.Side {
	case SideBuy, SideSell:
	default:
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", in.Side)}
	}

	if in.MarketID == "" {
		return &ValidationError{Field: "marketId", Reason: "required"}
	}
	if in.TokenID == "" {
		return &ValidationError{Field: "tokenId", Reason: "required"}
	}

	if err := ValidateTriggerPrice(in.TriggerPrice); err != nil {
		return err
	}

	if in.RuleType == RuleTypeTrailingStop {
		if in.TrailingPercent == nil {
			return &ValidationError{Field: "trailingPercent", Reason: "required for TRAILING_STOP"}
		}
		if *in.TrailingPercent <= 0 || *in.TrailingPercent >= 100 {
			return &ValidationError{Field: "trailingPercent", Reason: "must be strictly between 0 and 100"}
		}
		if in.Side == SideSell {
			return &ValidationError{Field: "side", Reason: "TRAILING_STOP supports BUY positions only"}
		}
	} else if in.TrailingPercent != nil {
		return &ValidationError{Field: "trailingPercent", Reason: fmt.Sprintf("not allowed for %s", in.RuleType)}
	}

	switch in.Action.Type {
	case ActionSellAll:
	case ActionSellPartial:
		if in.Action.Amount <= 0 {
			return &ValidationError{Field: "action.amount", Reason: "must be positive for SELL_PARTIAL"}
		}
	default:
		return &ValidationError{Field: "action.type", Reason: fmt.Sprintf("unknown action %q", in.Action.Type)}
	}

	return nil
}

// ValidateTriggerPrice rejects prices outside the open interval (0, 1).
func ValidateTriggerPrice(p float64) error {
	if p <= 0 || p >= 1 {
		return &ValidationError{Field: "triggerPrice", Reason: "must be strictly between 0 and 1"}
	}
	return nil
}
