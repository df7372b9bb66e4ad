package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

// AuditPruner deletes audit entries older than a cutoff. Only the
// retention job calls it, and only after the archive upload succeeded.
type AuditPruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Retention periodically copies aged terminal rules and audit entries to
// cold storage. Rules are never pruned; audit entries are pruned only
// after their archive upload is verified.
type Retention struct {
	archiver domain.Archiver
	pruner   AuditPruner
	window   time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewRetention creates a Retention job that archives records older than
// window, sweeping once per interval.
func NewRetention(
	archiver domain.Archiver,
	pruner AuditPruner,
	window time.Duration,
	interval time.Duration,
	logger *slog.Logger,
) *Retention {
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Retention{
		archiver: archiver,
		pruner:   pruner,
		window:   window,
		interval: interval,
		logger:   logger.With(slog.String("component", "retention")),
	}
}

// Run executes sweeps on the configured interval until ctx is canceled.
func (r *Retention) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep archives one window. Rule and audit archival are independent; a
// failure in one does not block the other.
func (r *Retention) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.window)

	ruleCount, err := r.archiver.ArchiveRules(ctx, cutoff)
	if err != nil {
		r.logger.Warn("rule archive failed", slog.Any("error", err))
	}

	auditCount, err := r.archiver.ArchiveAudit(ctx, cutoff)
	if err != nil {
		r.logger.Warn("audit archive failed", slog.Any("error", err))
		return
	}

	var pruned int64
	if auditCount > 0 && r.pruner != nil {
		pruned, err = r.pruner.DeleteBefore(ctx, cutoff)
		if err != nil {
			r.logger.Warn("audit prune failed", slog.Any("error", err))
		}
	}

	if ruleCount > 0 || auditCount > 0 {
		r.logger.Info("retention sweep finished",
			slog.Time("cutoff", cutoff),
			slog.Int64("rules_archived", ruleCount),
			slog.Int64("audit_archived", auditCount),
			slog.Int64("audit_pruned", pruned))
	}
}
