package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

// gammaRateKey is the shared rate-limit key for Gamma API lookups.
const gammaRateKey = "gamma"

// SlugStore is the rule persistence slice the backfill needs.
type SlugStore interface {
	ListMissingSlug(ctx context.Context, limit int) ([]domain.TradeRule, error)
	SetMarketSlug(ctx context.Context, id, slug string) (bool, error)
}

// Pacer spaces outbound calls under a shared rate limit.
type Pacer interface {
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// SlugBackfill periodically resolves market slugs for rules created while
// Gamma was unavailable. Entirely best-effort: a rule keeps a null slug
// until some cycle succeeds, and nothing downstream depends on it.
type SlugBackfill struct {
	rules     SlugStore
	gamma     SlugResolver
	pacer     Pacer
	interval  time.Duration
	batchSize int
	rateLimit int
	rateWin   time.Duration
	logger    *slog.Logger
}

// NewSlugBackfill creates a SlugBackfill. pacer may be nil, in which case
// lookups run unpaced (dry-run mode has no Redis).
func NewSlugBackfill(
	rules SlugStore,
	gamma SlugResolver,
	pacer Pacer,
	interval time.Duration,
	batchSize int,
	logger *slog.Logger,
) *SlugBackfill {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &SlugBackfill{
		rules:     rules,
		gamma:     gamma,
		pacer:     pacer,
		interval:  interval,
		batchSize: batchSize,
		rateLimit: 10,
		rateWin:   time.Second,
		logger:    logger.With(slog.String("component", "slug_backfill")),
	}
}

// Run executes backfill cycles on the configured interval until ctx is
// canceled.
func (b *SlugBackfill) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.runOnce(ctx)
		}
	}
}

// runOnce resolves one bounded batch of missing slugs.
func (b *SlugBackfill) runOnce(ctx context.Context) {
	rules, err := b.rules.ListMissingSlug(ctx, b.batchSize)
	if err != nil {
		b.logger.Warn("listing rules without slug failed", slog.Any("error", err))
		return
	}
	if len(rules) == 0 {
		return
	}

	var resolved int
	for _, rule := range rules {
		if b.pacer != nil {
			if err := b.pacer.Wait(ctx, gammaRateKey, b.rateLimit, b.rateWin); err != nil {
				b.logger.Warn("rate limit wait failed", slog.Any("error", err))
				return
			}
		}

		slug, err := b.gamma.MarketSlug(ctx, rule.MarketID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				b.logger.Debug("market slug unknown",
					slog.String("rule_id", rule.ID),
					slog.String("market_id", rule.MarketID))
			} else {
				b.logger.Warn("market slug lookup failed",
					slog.String("rule_id", rule.ID),
					slog.String("market_id", rule.MarketID),
					slog.Any("error", err))
			}
			continue
		}

		ok, err := b.rules.SetMarketSlug(ctx, rule.ID, slug)
		if err != nil {
			b.logger.Warn("storing market slug failed",
				slog.String("rule_id", rule.ID),
				slog.Any("error", err))
			continue
		}
		if ok {
			resolved++
		}
	}

	if resolved > 0 {
		b.logger.Info("backfilled market slugs",
			slog.Int("resolved", resolved),
			slog.Int("candidates", len(rules)))
	}
}
