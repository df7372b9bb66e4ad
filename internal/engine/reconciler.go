package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

// Feed is the slice of the market stream the engine drives: subscription
// management and status. Connection lifecycle belongs to the wiring layer.
type Feed interface {
	Subscribe(tokenIDs []string) error
	Unsubscribe(tokenIDs []string) error
	Subscribed() []string
	Status() domain.FeedStatus
}

// Reconciler keeps the feed's subscription set equal to the token set of
// ACTIVE rules. It reacts to pokes (rule created, rule resolved) and runs
// periodically as a backstop so a missed poke never strands a rule
// unwatched for long.
type Reconciler struct {
	judge    domain.RuleJudge
	feed     Feed
	logger   *slog.Logger
	interval time.Duration
	pokes    chan struct{}
}

// NewReconciler creates a reconciler with the given backstop interval.
func NewReconciler(judge domain.RuleJudge, feed Feed, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		judge:    judge,
		feed:     feed,
		logger:   logger.With(slog.String("component", "reconciler")),
		interval: interval,
		pokes:    make(chan struct{}, 1),
	}
}

// Poke requests a reconciliation pass. Never blocks; pending pokes
// coalesce.
func (r *Reconciler) Poke() {
	select {
	case r.pokes <- struct{}{}:
	default:
	}
}

// Run reconciles once immediately, then on every poke and interval tick,
// until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	if err := r.reconcile(ctx); err != nil {
		r.logger.Warn("initial subscription sync failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.pokes:
			if err := r.reconcile(ctx); err != nil {
				r.logger.Warn("subscription sync failed", slog.Any("error", err))
			}
		case <-ticker.C:
			if err := r.reconcile(ctx); err != nil {
				r.logger.Warn("subscription sync failed", slog.Any("error", err))
			}
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context) error {
	rules, err := r.judge.ListActive(ctx)
	if err != nil {
		return err
	}

	want := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		want[rule.TokenID] = struct{}{}
	}

	have := make(map[string]struct{})
	for _, id := range r.feed.Subscribed() {
		have[id] = struct{}{}
	}

	var add, remove []string
	for id := range want {
		if _, ok := have[id]; !ok {
			add = append(add, id)
		}
	}
	for id := range have {
		if _, ok := want[id]; !ok {
			remove = append(remove, id)
		}
	}

	if len(add) > 0 {
		if err := r.feed.Subscribe(add); err != nil {
			return err
		}
	}
	if len(remove) > 0 {
		if err := r.feed.Unsubscribe(remove); err != nil {
			return err
		}
	}

	if len(add) > 0 || len(remove) > 0 {
		r.logger.Info("subscriptions reconciled",
			slog.Int("added", len(add)),
			slog.Int("removed", len(remove)),
			slog.Int("watched", len(want)))
	}
	return nil
}
