package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentinelmarkets/sentinel/internal/crypto"
	"github.com/sentinelmarkets/sentinel/internal/engine"
	"github.com/sentinelmarkets/sentinel/internal/executor"
	"github.com/sentinelmarkets/sentinel/internal/feed"
	"github.com/sentinelmarkets/sentinel/internal/platform/polymarket"
	"github.com/sentinelmarkets/sentinel/internal/server"
	"github.com/sentinelmarkets/sentinel/internal/server/handler"
	"github.com/sentinelmarkets/sentinel/internal/server/ws"
	"github.com/sentinelmarkets/sentinel/internal/service"
)

// evaluatorLeaseKey is the distributed lock shared by engine instances
// pointed at the same database. Only the holder evaluates.
const evaluatorLeaseKey = "engine:evaluator"

// AllMode runs the engine and the HTTP API in one process. This is the
// default single-node deployment.
func (a *App) AllMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting all mode")

	g, ctx := errgroup.WithContext(ctx)

	eng, sup, err := a.buildEngine(ctx, deps)
	if err != nil {
		return fmt.Errorf("all mode: %w", err)
	}
	a.startEngine(ctx, g, deps, eng, sup)
	a.startJobs(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, eng)

	return g.Wait()
}

// EngineMode runs the market feed, evaluator, executor, and background
// jobs without the HTTP API. Pair it with a server-mode process sharing
// the same Postgres and Redis.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	g, ctx := errgroup.WithContext(ctx)

	eng, sup, err := a.buildEngine(ctx, deps)
	if err != nil {
		return fmt.Errorf("engine mode: %w", err)
	}
	a.startEngine(ctx, g, deps, eng, sup)
	a.startJobs(ctx, g, deps)

	return g.Wait()
}

// ServerMode runs the HTTP API and WebSocket hub only. Rule changes reach
// the engine process through the shared store on its next reconcile
// cycle.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startHTTPServer(ctx, g, deps, nil)

	return g.Wait()
}

// DryRunMode runs the full stack against the live market feed with
// in-memory stores and an executor that logs intended orders instead of
// submitting them. No Postgres, Redis, or wallet key is required; the
// HTTP API still runs so rules can be created and inspected.
func (a *App) DryRunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting dry-run mode, exits are logged, never submitted")

	g, ctx := errgroup.WithContext(ctx)

	eng, sup, err := a.buildEngine(ctx, deps)
	if err != nil {
		return fmt.Errorf("dry-run mode: %w", err)
	}
	a.startEngine(ctx, g, deps, eng, sup)
	a.startJobs(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, eng)

	return g.Wait()
}

// buildEngine assembles the exit executor, the market stream, and the
// engine plus its feed supervisor. Nothing starts running here.
func (a *App) buildEngine(ctx context.Context, deps *Dependencies) (*engine.Engine, *feed.Supervisor, error) {
	exec, err := a.buildExecutor(ctx)
	if err != nil {
		return nil, nil, err
	}

	stream := polymarket.NewMarketStream(polymarket.StreamConfig{
		URL:                   marketWsURL(a.cfg.Polymarket.WsHost),
		InitialReconnectDelay: a.cfg.Polymarket.ReconnectInitial.Duration,
		MaxReconnectDelay:     a.cfg.Polymarket.ReconnectMax.Duration,
		ReconnectMultiplier:   a.cfg.Polymarket.ReconnectMultiplier,
		PingInterval:          a.cfg.Polymarket.Heartbeat.Duration,
	})

	fanout := service.NewEventFanout(deps.Audit, deps.SignalBus, deps.Notifier, a.logger)

	eng := engine.New(engine.Config{
		Workers:           a.cfg.Engine.Workers,
		QueueSize:         a.cfg.Engine.QueueSize,
		ReconcileInterval: a.cfg.Engine.ReconcileInterval.Duration,
	}, deps.Judge, exec, fanout, stream, a.cfg.Mode, a.logger)

	sup := feed.NewSupervisor(stream, eng, deps.PriceCache, deps.SignalBus, a.logger)

	return eng, sup, nil
}

// buildExecutor creates the exit executor. Dry-run logs intended orders;
// every other engine-bearing mode signs with the agent wallet and submits
// through the CLOB.
func (a *App) buildExecutor(ctx context.Context) (engine.ExitExecutor, error) {
	if strings.ToLower(a.cfg.Mode) == "dry-run" {
		return executor.NewDryRunExecutor(a.logger), nil
	}

	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey: a.cfg.Wallet.PrivateKey,
		KeyFile:       a.cfg.Wallet.EncryptedKeyPath,
		Passphrase:    a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("build executor: load wallet key: %w", err)
	}
	signer, err := crypto.NewSigner(key, a.cfg.Polymarket.ChainID)
	if err != nil {
		return nil, fmt.Errorf("build executor: create signer: %w", err)
	}

	clob := polymarket.NewClobClient(a.cfg.Polymarket.ClobHost, signer, nil)
	if err := clob.DeriveAPIKey(ctx); err != nil {
		a.logger.WarnContext(ctx, "build executor: derive API key failed; order submission may fail",
			slog.String("error", err.Error()),
		)
	}

	return executor.NewClobExecutor(clob, signer, executor.Config{
		SlippageBps:   a.cfg.Engine.ExitSlippageBps,
		FunderAddress: a.cfg.Wallet.FunderAddress,
		SignatureType: a.cfg.Polymarket.SignatureType,
	}, a.logger), nil
}

// startEngine adds the market-feed supervisor and the engine loop to the
// errgroup. With the lease enabled, the engine loop first waits its turn
// on the shared evaluator lock; a standby instance parks there until the
// holder goes away.
func (a *App) startEngine(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine.Engine, sup *feed.Supervisor) {
	g.Go(func() error {
		return sup.Run(ctx)
	})

	if a.cfg.Engine.LeaseEnabled && deps.LockManager != nil {
		g.Go(func() error {
			a.logger.InfoContext(ctx, "waiting for evaluator lease",
				slog.Duration("ttl", a.cfg.Engine.LeaseTTL.Duration),
			)
			unlock, err := deps.LockManager.AcquireWait(ctx, evaluatorLeaseKey, a.cfg.Engine.LeaseTTL.Duration)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("evaluator lease: %w", err)
			}
			defer unlock()
			a.logger.InfoContext(ctx, "evaluator lease acquired")
			return eng.Run(ctx)
		})
		return
	}

	g.Go(func() error {
		return eng.Run(ctx)
	})
}

// startJobs adds the slug backfill and archive retention loops. Each is
// optional: backfill needs the Gamma client, retention needs an archive
// bucket.
func (a *App) startJobs(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Gamma != nil {
		backfill := service.NewSlugBackfill(
			deps.Slugs,
			deps.Gamma,
			deps.Pacer,
			a.cfg.Engine.SlugBackfillInterval.Duration,
			a.cfg.Engine.SlugBackfillBatch,
			a.logger,
		)
		g.Go(func() error {
			return backfill.Run(ctx)
		})
	}

	if deps.Archiver != nil {
		retention := service.NewRetention(
			deps.Archiver,
			deps.AuditPruner,
			time.Duration(a.cfg.Archive.RetentionDays)*24*time.Hour,
			a.cfg.Archive.Interval.Duration,
			a.logger,
		)
		g.Go(func() error {
			return retention.Run(ctx)
		})
	}
}

// startHTTPServer adds the HTTP API, and the WebSocket hub when a signal
// bus is wired, to the errgroup. eng may be nil (server mode); rule
// writes then rely on the engine's periodic reconcile instead of a poke.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine.Engine) {
	fanout := service.NewEventFanout(deps.Audit, deps.SignalBus, deps.Notifier, a.logger)

	var slugs service.SlugResolver
	if deps.Gamma != nil {
		slugs = deps.Gamma
	}
	var poker service.EnginePoker
	if eng != nil {
		poker = eng
	}
	ruleSvc := service.NewRuleService(deps.Rules, fanout, slugs, poker, a.logger)

	var engineStatus service.EngineStatusSource
	if eng != nil {
		engineStatus = eng
	}
	statusSvc := service.NewStatusService(a.cfg.Mode, engineStatus, deps.DBHealth, deps.CacheHealth, a.logger)

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(),
		Rules:  handler.NewRulesHandler(ruleSvc, deps.Audit, a.logger),
		Status: handler.NewStatusHandler(statusSvc),
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// marketWsURL joins the configured WS host with the market channel path.
func marketWsURL(host string) string {
	host = strings.TrimSuffix(host, "/")
	if strings.HasSuffix(host, "/ws/market") {
		return host
	}
	return host + "/ws/market"
}
