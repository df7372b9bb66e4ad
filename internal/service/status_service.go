package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

// pingTimeout bounds each dependency probe so one hung backend cannot
// stall the status endpoint.
const pingTimeout = 2 * time.Second

// Pinger probes one backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EngineStatusSource exposes the in-process engine's view. Nil in server
// mode, where the engine runs elsewhere.
type EngineStatusSource interface {
	Status(ctx context.Context) (domain.EngineStatus, error)
}

// SystemStatus is the aggregate served by the status endpoint.
type SystemStatus struct {
	Healthy    bool
	Mode       string
	Components map[string]string
	Engine     *domain.EngineStatus
}

// StatusService aggregates dependency health and engine state for
// external monitors, surfacing a down feed while rules sit ACTIVE.
type StatusService struct {
	mode   string
	engine EngineStatusSource
	db     Pinger
	cache  Pinger
	logger *slog.Logger
}

// NewStatusService creates a StatusService. Any dependency may be nil;
// absent dependencies are simply left out of the component map.
func NewStatusService(mode string, engine EngineStatusSource, db, cache Pinger, logger *slog.Logger) *StatusService {
	return &StatusService{
		mode:   mode,
		engine: engine,
		db:     db,
		cache:  cache,
		logger: logger.With(slog.String("component", "status_service")),
	}
}

// Overview probes every configured dependency and collects the engine
// status. It never returns an error: failures are reported inside the
// result so the endpoint stays serveable while a backend is down.
func (s *StatusService) Overview(ctx context.Context) SystemStatus {
	st := SystemStatus{
		Healthy:    true,
		Mode:       s.mode,
		Components: make(map[string]string),
	}

	if s.db != nil {
		st.Components["postgres"] = s.probe(ctx, s.db, &st.Healthy)
	}
	if s.cache != nil {
		st.Components["redis"] = s.probe(ctx, s.cache, &st.Healthy)
	}

	if s.engine != nil {
		engineStatus, err := s.engine.Status(ctx)
		if err != nil {
			s.logger.Warn("engine status failed", slog.Any("error", err))
			st.Components["engine"] = err.Error()
			st.Healthy = false
		} else {
			st.Engine = &engineStatus
			if !engineStatus.Feed.Connected {
				st.Healthy = false
			}
		}
	}

	return st
}

func (s *StatusService) probe(ctx context.Context, p Pinger, healthy *bool) string {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := p.Ping(pingCtx); err != nil {
		*healthy = false
		return err.Error()
	}
	return "ok"
}
