package engine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

// Config sizes the engine's worker pool and reconciliation cadence.
type Config struct {
	Workers           int
	QueueSize         int
	ReconcileInterval time.Duration
}

// Engine binds the feed to rule evaluation: ticks enter through HandleTick,
// flow through the partitioned dispatcher into the evaluator, while the
// reconciler keeps the feed watching exactly the tokens ACTIVE rules need.
type Engine struct {
	evaluator  *Evaluator
	dispatcher *Dispatcher
	reconciler *Reconciler
	feed       Feed
	judge      domain.RuleJudge
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

// New assembles an Engine from its collaborators.
func New(cfg Config, judge domain.RuleJudge, executor ExitExecutor, events domain.EventSink, feed Feed, mode string, logger *slog.Logger) *Engine {
	evaluator := NewEvaluator(judge, executor, events, logger)
	return &Engine{
		evaluator:  evaluator,
		dispatcher: NewDispatcher(cfg.Workers, cfg.QueueSize, evaluator.EvaluateTick, logger),
		reconciler: NewReconciler(judge, feed, cfg.ReconcileInterval, logger),
		feed:       feed,
		judge:      judge,
		logger:     logger.With(slog.String("component", "engine")),
		mode:       mode,
		startedAt:  time.Now().UTC(),
	}
}

// Run starts the dispatcher workers and the reconciler and blocks until
// ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", slog.String("mode", e.mode))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.dispatcher.Run(ctx) })
	g.Go(func() error { return e.reconciler.Run(ctx) })
	return g.Wait()
}

// HandleTick accepts one tick from the feed. Never blocks.
func (e *Engine) HandleTick(tick domain.PriceTick) {
	e.dispatcher.Offer(tick)
}

// Poke requests a subscription reconciliation, typically after a rule was
// created or resolved.
func (e *Engine) Poke() {
	e.reconciler.Poke()
}

// Status summarizes the engine and its feed for the status endpoint.
func (e *Engine) Status(ctx context.Context) (domain.EngineStatus, error) {
	counts, err := e.judge.CountByStatus(ctx)
	if err != nil {
		return domain.EngineStatus{}, err
	}

	ticks, triggers := e.evaluator.Stats()
	return domain.EngineStatus{
		Mode:           e.mode,
		UptimeSeconds:  int64(time.Since(e.startedAt).Seconds()),
		Feed:           e.feed.Status(),
		RulesByStatus:  counts,
		TicksEvaluated: ticks,
		Triggers:       triggers,
	}, nil
}
