package domain

import "time"

// FeedStatus is a point-in-time view of the upstream connection, exposed
// through the status endpoint so external monitors can spot a feed that is
// down while rules sit ACTIVE.
type FeedStatus struct {
	Connected     bool
	Subscriptions int
	Reconnects    int64
	LastEventAt   time.Time
}

// EngineStatus summarizes the evaluator for the status endpoint.
type EngineStatus struct {
	Mode           string
	UptimeSeconds  int64
	Feed           FeedStatus
	RulesByStatus  map[RuleStatus]int64
	TicksEvaluated int64
	Triggers       int64
}
