package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sentinelmarkets/sentinel/internal/domain"
	"github.com/sentinelmarkets/sentinel/internal/platform/polymarket"
)

// TickSink receives every accepted tick. Implemented by the engine.
type TickSink interface {
	HandleTick(tick domain.PriceTick)
}

// Stream is the slice of the market stream the supervisor drives. The
// engine talks to the stream directly for subscriptions; the supervisor
// owns connection lifecycle and handler wiring.
type Stream interface {
	Connect(ctx context.Context) error
	Close() error
	OnTick(h polymarket.TickHandler)
	OnBook(h polymarket.BookHandler)
	OnConnect(h polymarket.ConnectHandler)
	OnDisconnect(h polymarket.DisconnectHandler)
	OnError(h polymarket.ErrorHandler)
	Status() domain.FeedStatus
}

// priceEvent is the JSON shape published on prices:{tokenId} for
// dashboard consumers.
type priceEvent struct {
	Event     string  `json:"event"` // "tick" or "book"
	TokenID   string  `json:"token_id"`
	Price     float64 `json:"price,omitempty"`
	BestBid   float64 `json:"best_bid,omitempty"`
	BestAsk   float64 `json:"best_ask,omitempty"`
	Timestamp string  `json:"timestamp"`
}

const (
	mirrorQueueSize = 256
	mirrorTimeout   = 2 * time.Second
)

// Supervisor connects the market stream to the rest of the process. Ticks
// go to the sink synchronously (the sink never blocks); cache writes and
// bus publishes are mirrored through a bounded queue so a slow Redis can
// never stall the stream's read loop. Mirror traffic is best-effort and
// dropped under pressure.
type Supervisor struct {
	stream Stream
	sink   TickSink
	prices domain.PriceCache
	bus    domain.SignalBus
	logger *slog.Logger

	ticks chan domain.PriceTick
	books chan domain.OrderbookSnapshot

	retryDelay time.Duration
}

// NewSupervisor wires the stream's handlers. prices and bus may be nil
// (dry-run mode); the sink is required.
func NewSupervisor(stream Stream, sink TickSink, prices domain.PriceCache, bus domain.SignalBus, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		stream:     stream,
		sink:       sink,
		prices:     prices,
		bus:        bus,
		logger:     logger.With(slog.String("component", "feed")),
		ticks:      make(chan domain.PriceTick, mirrorQueueSize),
		books:      make(chan domain.OrderbookSnapshot, mirrorQueueSize),
		retryDelay: 2 * time.Second,
	}

	stream.OnTick(s.handleTick)
	stream.OnBook(s.handleBook)
	stream.OnConnect(func() {
		st := stream.Status()
		s.logger.Info("market stream connected",
			slog.Int("subscriptions", st.Subscriptions),
			slog.Int64("reconnects", st.Reconnects),
		)
	})
	stream.OnDisconnect(func(err error) {
		if err != nil {
			s.logger.Warn("market stream disconnected", slog.Any("error", err))
			return
		}
		s.logger.Info("market stream closed")
	})
	stream.OnError(func(err error) {
		s.logger.Warn("feed error", slog.Any("error", err))
	})

	return s
}

// Run connects the stream and keeps the mirror queue draining until ctx
// is canceled, then closes the stream. Reconnection after a drop is the
// stream's own job; Run only retries the initial dial.
func (s *Supervisor) Run(ctx context.Context) error {
	go s.mirrorLoop(ctx)

	for {
		err := s.stream.Connect(ctx)
		if err == nil {
			break
		}
		s.logger.Warn("market stream connect failed", slog.Any("error", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}

	<-ctx.Done()
	if err := s.stream.Close(); err != nil {
		s.logger.Warn("closing market stream", slog.Any("error", err))
	}
	return ctx.Err()
}

// handleTick runs on the stream's read loop: feed the sink, then queue
// the mirror write without blocking.
func (s *Supervisor) handleTick(tick domain.PriceTick) {
	s.sink.HandleTick(tick)

	if s.prices == nil && s.bus == nil {
		return
	}
	select {
	case s.ticks <- tick:
	default:
		s.logger.Debug("tick mirror queue full, dropping", slog.String("token_id", tick.TokenID))
	}
}

// handleBook queues the spread for dashboard consumers.
func (s *Supervisor) handleBook(snap domain.OrderbookSnapshot) {
	if s.bus == nil {
		return
	}
	select {
	case s.books <- snap:
	default:
		s.logger.Debug("book mirror queue full, dropping", slog.String("token_id", snap.TokenID))
	}
}

// mirrorLoop drains the mirror queues into the price cache and the bus.
func (s *Supervisor) mirrorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-s.ticks:
			s.mirrorTick(tick)
		case snap := <-s.books:
			s.mirrorBook(snap)
		}
	}
}

func (s *Supervisor) mirrorTick(tick domain.PriceTick) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	if s.prices != nil {
		if err := s.prices.SetPrice(ctx, tick.TokenID, tick.Price, tick.Timestamp); err != nil {
			s.logger.Debug("price cache write failed",
				slog.String("token_id", tick.TokenID),
				slog.Any("error", err))
		}
	}

	if s.bus != nil {
		payload, _ := json.Marshal(priceEvent{
			Event:     "tick",
			TokenID:   tick.TokenID,
			Price:     tick.Price,
			Timestamp: tick.Timestamp.UTC().Format(time.RFC3339Nano),
		})
		if err := s.bus.Publish(ctx, "prices:"+tick.TokenID, payload); err != nil {
			s.logger.Debug("price publish failed",
				slog.String("token_id", tick.TokenID),
				slog.Any("error", err))
		}
	}
}

func (s *Supervisor) mirrorBook(snap domain.OrderbookSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	payload, _ := json.Marshal(priceEvent{
		Event:     "book",
		TokenID:   snap.TokenID,
		BestBid:   snap.BestBid,
		BestAsk:   snap.BestAsk,
		Timestamp: snap.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err := s.bus.Publish(ctx, "prices:"+snap.TokenID, payload); err != nil {
		s.logger.Debug("book publish failed",
			slog.String("token_id", snap.TokenID),
			slog.Any("error", err))
	}
}
