package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/sentinelmarkets/sentinel/internal/service"
)

// StatusSource provides the aggregated system overview.
type StatusSource interface {
	Overview(ctx context.Context) service.SystemStatus
}

// StatusHandler serves the aggregate system status for dashboards and
// external monitors.
type StatusHandler struct {
	status StatusSource
}

// NewStatusHandler creates a StatusHandler backed by the given source.
func NewStatusHandler(status StatusSource) *StatusHandler {
	return &StatusHandler{status: status}
}

type feedStatusPayload struct {
	Connected     bool       `json:"connected"`
	Subscriptions int        `json:"subscriptions"`
	Reconnects    int64      `json:"reconnects"`
	LastEventAt   *time.Time `json:"lastEventAt,omitempty"`
}

type engineStatusPayload struct {
	Mode           string            `json:"mode"`
	UptimeSeconds  int64             `json:"uptimeSeconds"`
	Feed           feedStatusPayload `json:"feed"`
	RulesByStatus  map[string]int64  `json:"rulesByStatus"`
	TicksEvaluated int64             `json:"ticksEvaluated"`
	Triggers       int64             `json:"triggers"`
}

type statusResponse struct {
	Healthy    bool                 `json:"healthy"`
	Mode       string               `json:"mode"`
	Components map[string]string    `json:"components"`
	Engine     *engineStatusPayload `json:"engine,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
}

// GetStatus reports dependency health and engine state. The response is
// always 200; degraded components are visible in the body.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	overview := h.status.Overview(r.Context())

	resp := statusResponse{
		Healthy:    overview.Healthy,
		Mode:       overview.Mode,
		Components: overview.Components,
		Timestamp:  time.Now().UTC(),
	}

	if overview.Engine != nil {
		eng := engineStatusPayload{
			Mode:          overview.Engine.Mode,
			UptimeSeconds: overview.Engine.UptimeSeconds,
			Feed: feedStatusPayload{
				Connected:     overview.Engine.Feed.Connected,
				Subscriptions: overview.Engine.Feed.Subscriptions,
				Reconnects:    overview.Engine.Feed.Reconnects,
			},
			RulesByStatus:  make(map[string]int64, len(overview.Engine.RulesByStatus)),
			TicksEvaluated: overview.Engine.TicksEvaluated,
			Triggers:       overview.Engine.Triggers,
		}
		if !overview.Engine.Feed.LastEventAt.IsZero() {
			t := overview.Engine.Feed.LastEventAt
			eng.Feed.LastEventAt = &t
		}
		for status, count := range overview.Engine.RulesByStatus {
			eng.RulesByStatus[string(status)] = count
		}
		resp.Engine = &eng
	}

	writeJSON(w, http.StatusOK, resp)
}
