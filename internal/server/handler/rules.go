package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sentinelmarkets/sentinel/internal/domain"
	"github.com/sentinelmarkets/sentinel/internal/server/middleware"
)

// RuleService defines the methods that the rules handler requires from the
// service layer.
type RuleService interface {
	Create(ctx context.Context, owner string, in domain.NewRuleInput) (domain.TradeRule, error)
	Get(ctx context.Context, owner, id string) (domain.TradeRule, error)
	List(ctx context.Context, owner string, status domain.RuleStatus) ([]domain.TradeRule, error)
	UpdateTriggerPrice(ctx context.Context, owner, id string, price float64) (domain.TradeRule, error)
	Cancel(ctx context.Context, owner, id string) error
}

// AuditReader exposes the per-rule lifecycle trail.
type AuditReader interface {
	ListByRule(ctx context.Context, ruleID string, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// RulesHandler serves the rule CRUD endpoints. Every route is owner-scoped
// through the identity the auth middleware derived.
type RulesHandler struct {
	rules  RuleService
	audit  AuditReader
	logger *slog.Logger
}

// NewRulesHandler creates a RulesHandler. audit may be nil; the events
// endpoint then reports an empty trail.
func NewRulesHandler(rules RuleService, audit AuditReader, logger *slog.Logger) *RulesHandler {
	return &RulesHandler{
		rules:  rules,
		audit:  audit,
		logger: logger,
	}
}

// actionPayload is the wire form of an exit action.
type actionPayload struct {
	Type   string  `json:"type"`
	Amount float64 `json:"amount,omitempty"`
}

// createRuleRequest is the POST /api/rules body.
type createRuleRequest struct {
	RuleType        string         `json:"ruleType"`
	MarketID        string         `json:"marketId"`
	TokenID         string         `json:"tokenId"`
	Side            string         `json:"side"`
	TriggerPrice    float64        `json:"triggerPrice"`
	TrailingPercent *float64       `json:"trailingPercent,omitempty"`
	Action          *actionPayload `json:"action"`
}

// updateRuleRequest is the PATCH /api/rules/{id} body. Only the trigger
// price is owner-editable after creation.
type updateRuleRequest struct {
	TriggerPrice *float64 `json:"triggerPrice"`
}

// ruleResponse is the wire form of a trade rule.
type ruleResponse struct {
	ID              string        `json:"id"`
	RuleType        string        `json:"ruleType"`
	MarketID        string        `json:"marketId"`
	MarketSlug      *string       `json:"marketSlug,omitempty"`
	TokenID         string        `json:"tokenId"`
	Side            string        `json:"side"`
	TriggerPrice    float64       `json:"triggerPrice"`
	TrailingPercent *float64      `json:"trailingPercent,omitempty"`
	Action          actionPayload `json:"action"`
	Status          string        `json:"status"`
	TriggeredAt     *time.Time    `json:"triggeredAt,omitempty"`
	TriggerTxHash   *string       `json:"triggerTxHash,omitempty"`
	ErrorMessage    *string       `json:"errorMessage,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

func toRuleResponse(r domain.TradeRule) ruleResponse {
	return ruleResponse{
		ID:              r.ID,
		RuleType:        string(r.RuleType),
		MarketID:        r.MarketID,
		MarketSlug:      r.MarketSlug,
		TokenID:         r.TokenID,
		Side:            string(r.Side),
		TriggerPrice:    r.TriggerPrice,
		TrailingPercent: r.TrailingPercent,
		Action: actionPayload{
			Type:   string(r.Action.Type),
			Amount: r.Action.Amount,
		},
		Status:        string(r.Status),
		TriggeredAt:   r.TriggeredAt,
		TriggerTxHash: r.TriggerTxHash,
		ErrorMessage:  r.ErrorMessage,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// listRulesResponse wraps the list rules response.
type listRulesResponse struct {
	Rules []ruleResponse `json:"rules"`
}

// ruleEventResponse is one audit entry on the events endpoint. The rule id
// is implied by the path and not repeated.
type ruleEventResponse struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type ruleEventsResponse struct {
	Events []ruleEventResponse `json:"events"`
}

// CreateRule creates a new exit rule for the authenticated owner.
// POST /api/rules
func (h *RulesHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}

	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	in := domain.NewRuleInput{
		RuleType:        domain.RuleType(req.RuleType),
		MarketID:        req.MarketID,
		TokenID:         req.TokenID,
		Side:            domain.PositionSide(req.Side),
		TriggerPrice:    req.TriggerPrice,
		TrailingPercent: req.TrailingPercent,
	}
	if req.Action != nil {
		in.Action = domain.ExitAction{
			Type:   domain.ActionType(req.Action.Type),
			Amount: req.Action.Amount,
		}
	}

	rule, err := h.rules.Create(r.Context(), owner, in)
	if err != nil {
		h.logServerError(r.Context(), "create rule", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRuleResponse(rule))
}

// ListRules returns the owner's rules, optionally filtered by status.
// GET /api/rules?status=ACTIVE
func (h *RulesHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}

	status := domain.RuleStatus(r.URL.Query().Get("status"))

	rules, err := h.rules.List(r.Context(), owner, status)
	if err != nil {
		h.logServerError(r.Context(), "list rules", err)
		writeDomainError(w, err)
		return
	}

	out := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toRuleResponse(rule))
	}
	writeJSON(w, http.StatusOK, listRulesResponse{Rules: out})
}

// GetRule returns a single rule owned by the caller.
// GET /api/rules/{id}
func (h *RulesHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}

	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing rule id")
		return
	}

	rule, err := h.rules.Get(r.Context(), owner, id)
	if err != nil {
		h.logServerError(r.Context(), "get rule", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toRuleResponse(rule))
}

// UpdateRule changes the trigger price of an ACTIVE rule.
// PATCH /api/rules/{id}
func (h *RulesHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}

	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing rule id")
		return
	}

	var req updateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TriggerPrice == nil {
		writeError(w, http.StatusUnprocessableEntity, "triggerPrice is required")
		return
	}

	rule, err := h.rules.UpdateTriggerPrice(r.Context(), owner, id, *req.TriggerPrice)
	if err != nil {
		h.logServerError(r.Context(), "update rule", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toRuleResponse(rule))
}

// CancelRule cancels an ACTIVE or FAILED rule.
// DELETE /api/rules/{id}
func (h *RulesHandler) CancelRule(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}

	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing rule id")
		return
	}

	if err := h.rules.Cancel(r.Context(), owner, id); err != nil {
		h.logServerError(r.Context(), "cancel rule", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "canceled",
		"id":     id,
	})
}

// ListRuleEvents returns the rule's lifecycle trail, newest first.
// GET /api/rules/{id}/events?limit=50&offset=0
func (h *RulesHandler) ListRuleEvents(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}

	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing rule id")
		return
	}

	// Ownership check first: the audit log is keyed by rule id alone.
	if _, err := h.rules.Get(r.Context(), owner, id); err != nil {
		h.logServerError(r.Context(), "list rule events", err)
		writeDomainError(w, err)
		return
	}

	out := []ruleEventResponse{}
	if h.audit != nil {
		entries, err := h.audit.ListByRule(r.Context(), id, parseListOpts(r))
		if err != nil {
			h.logServerError(r.Context(), "list rule events", err)
			writeDomainError(w, err)
			return
		}
		for _, e := range entries {
			out = append(out, ruleEventResponse{
				ID:        e.ID,
				Event:     e.Event,
				Detail:    e.Detail,
				CreatedAt: e.CreatedAt,
			})
		}
	}

	writeJSON(w, http.StatusOK, ruleEventsResponse{Events: out})
}

// ownerFrom pulls the authenticated owner identity set by the auth
// middleware. An empty identity means the route was wired outside the auth
// chain; reject it rather than serve cross-owner data.
func ownerFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := middleware.Owner(r.Context())
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return owner, true
}

// logServerError records errors that will surface as a 500. Errors mapped
// to client statuses (validation, not found, conflict) stay out of the
// error log.
func (h *RulesHandler) logServerError(ctx context.Context, op string, err error) {
	if domain.IsValidation(err) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrRuleNotActive) ||
		errors.Is(err, domain.ErrRuleTerminal) {
		return
	}
	h.logger.ErrorContext(ctx, "handler: "+op+" failed",
		slog.String("error", err.Error()),
	)
}
