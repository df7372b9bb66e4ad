package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

// writeWait is the time allowed to write a message to the peer.
const writeWait = 10 * time.Second

// StreamConfig configures one MarketStream instance. Zero values fall
// back to the documented defaults.
type StreamConfig struct {
	// URL is the CLOB market WebSocket endpoint, e.g.
	// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
	URL string

	// InitialReconnectDelay is the wait before the first reconnect
	// attempt. Default 1s.
	InitialReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Default 60s.
	MaxReconnectDelay time.Duration

	// ReconnectMultiplier grows the delay per failed attempt. Default 2.
	ReconnectMultiplier float64

	// PingInterval is the transport keep-alive period. Default 30s.
	PingInterval time.Duration

	// HandshakeTimeout bounds each dial. Default 15s.
	HandshakeTimeout time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.InitialReconnectDelay <= 0 {
		c.InitialReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 60 * time.Second
	}
	if c.ReconnectMultiplier <= 1 {
		c.ReconnectMultiplier = 2
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	return c
}

// TickHandler receives every usable price observation, whether derived
// from a book snapshot or reported as a last trade.
type TickHandler func(domain.PriceTick)

// BookHandler receives every book snapshot, including ones no price could
// be derived from.
type BookHandler func(domain.OrderbookSnapshot)

// ConnectHandler fires after each successful dial, before resubscription.
type ConnectHandler func()

// DisconnectHandler fires when the connection drops; err is nil on an
// intentional close.
type DisconnectHandler func(err error)

// ErrorHandler receives transient feed errors. The stream keeps running.
type ErrorHandler func(err error)

// MarketStream is a client for the Polymarket CLOB market data WebSocket.
// It owns one long-lived connection, tracks the subscribed token set so
// resubscription after reconnect is exact, and fans events out to
// registered handlers.
//
// All reconnect state lives on the instance; independent streams never
// interfere.
type MarketStream struct {
	cfg StreamConfig

	mu         sync.Mutex
	conn       *websocket.Conn
	closed     bool
	subscribed map[string]struct{}
	attempts   int
	reconnects int64
	lastEvent  time.Time

	// writeMu serializes every socket write; gorilla/websocket allows at
	// most one concurrent writer.
	writeMu sync.Mutex

	handlerMu          sync.RWMutex
	tickHandlers       []TickHandler
	bookHandlers       []BookHandler
	connectHandlers    []ConnectHandler
	disconnectHandlers []DisconnectHandler
	errorHandlers      []ErrorHandler

	// done is closed when the stream is shut down for good.
	done chan struct{}
}

// NewMarketStream creates a stream client for the given endpoint. No
// connection is made until Connect.
func NewMarketStream(cfg StreamConfig) *MarketStream {
	return &MarketStream{
		cfg:        cfg.withDefaults(),
		subscribed: make(map[string]struct{}),
		done:       make(chan struct{}),
	}
}

// OnTick registers a price handler.
func (s *MarketStream) OnTick(h TickHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.tickHandlers = append(s.tickHandlers, h)
}

// OnBook registers a book snapshot handler.
func (s *MarketStream) OnBook(h BookHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.bookHandlers = append(s.bookHandlers, h)
}

// OnConnect registers a connection handler.
func (s *MarketStream) OnConnect(h ConnectHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.connectHandlers = append(s.connectHandlers, h)
}

// OnDisconnect registers a disconnect handler.
func (s *MarketStream) OnDisconnect(h DisconnectHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.disconnectHandlers = append(s.disconnectHandlers, h)
}

// OnError registers a transient-error handler.
func (s *MarketStream) OnError(h ErrorHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.errorHandlers = append(s.errorHandlers, h)
}

// Connect dials the endpoint, restores the full subscription set, and
// starts the read and keep-alive loops. Calling it while connected is a
// no-op; calling it after Close returns ErrWSDisconnect.
func (s *MarketStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("polymarket/stream: %w", domain.ErrWSDisconnect)
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		s.mu.Unlock()
		return &domain.FeedError{Op: "dial", Err: err}
	}

	s.conn = conn
	s.attempts = 0

	pongWait := 2 * s.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.readLoop(conn)
	go s.pingLoop(conn)

	tokens := make([]string, 0, len(s.subscribed))
	for id := range s.subscribed {
		tokens = append(tokens, id)
	}
	s.mu.Unlock()

	s.emitConnect()

	if len(tokens) > 0 {
		if err := s.writeCommand(conn, newStreamCommand(streamOpSubscribe, tokens)); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe adds token IDs to the subscription set. Only IDs not already
// tracked are sent, and only while connected; otherwise the set mutation
// alone is enough, since Connect replays the full set.
func (s *MarketStream) Subscribe(tokenIDs []string) error {
	s.mu.Lock()
	var delta []string
	for _, id := range tokenIDs {
		if _, ok := s.subscribed[id]; !ok {
			s.subscribed[id] = struct{}{}
			delta = append(delta, id)
		}
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil || len(delta) == 0 {
		return nil
	}
	return s.writeCommand(conn, newStreamCommand(streamOpSubscribe, delta))
}

// Unsubscribe removes token IDs from the subscription set, sending only
// the IDs that were actually tracked.
func (s *MarketStream) Unsubscribe(tokenIDs []string) error {
	s.mu.Lock()
	var delta []string
	for _, id := range tokenIDs {
		if _, ok := s.subscribed[id]; ok {
			delete(s.subscribed, id)
			delta = append(delta, id)
		}
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil || len(delta) == 0 {
		return nil
	}
	return s.writeCommand(conn, newStreamCommand(streamOpUnsubscribe, delta))
}

// Subscribed returns a copy of the current subscription set.
func (s *MarketStream) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := make([]string, 0, len(s.subscribed))
	for id := range s.subscribed {
		tokens = append(tokens, id)
	}
	return tokens
}

// Status reports the current connection state.
func (s *MarketStream) Status() domain.FeedStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return domain.FeedStatus{
		Connected:     s.conn != nil,
		Subscriptions: len(s.subscribed),
		Reconnects:    s.reconnects,
		LastEventAt:   s.lastEvent,
	}
}

// Close shuts the stream down for good: no further reconnects, timers
// stopped, socket closed. Safe to call at any point, any number of times.
func (s *MarketStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	s.writeMu.Unlock()

	return conn.Close()
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (s *MarketStream) writeCommand(conn *websocket.Conn, cmd StreamCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return &domain.FeedError{Op: "write", Err: err}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &domain.FeedError{Op: "write", Err: err}
	}
	return nil
}

// readLoop reads frames from one connection until it dies, then kicks off
// reconnection unless the close was intentional.
func (s *MarketStream) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()

			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			intentional := s.closed
			s.mu.Unlock()

			if intentional {
				s.emitDisconnect(nil)
				return
			}
			s.emitDisconnect(err)
			go s.reconnectLoop()
			return
		}

		s.mu.Lock()
		s.lastEvent = time.Now().UTC()
		s.mu.Unlock()

		s.handleFrame(raw)
	}
}

// pingLoop keeps one connection alive with transport pings. It exits when
// the write fails (the read loop handles the fallout) or the stream shuts
// down.
func (s *MarketStream) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// reconnectLoop re-dials with exponential backoff until it succeeds or the
// stream is closed. The attempt counter carries across iterations and is
// reset by a successful Connect.
func (s *MarketStream) reconnectLoop() {
	for {
		s.mu.Lock()
		if s.closed || s.conn != nil {
			s.mu.Unlock()
			return
		}
		attempt := s.attempts
		s.attempts++
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		case <-time.After(s.backoffDelay(attempt)):
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
		err := s.Connect(ctx)
		cancel()

		if err == nil {
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
			return
		}
		s.emitError(err)
	}
}

func (s *MarketStream) backoffDelay(attempt int) time.Duration {
	d := float64(s.cfg.InitialReconnectDelay) * math.Pow(s.cfg.ReconnectMultiplier, float64(attempt))
	if limit := float64(s.cfg.MaxReconnectDelay); d > limit {
		d = limit
	}
	return time.Duration(d)
}

// handleFrame classifies one inbound frame and dispatches it. Frames that
// are not JSON, or whose event type is unknown, are dropped; explicit
// error markers surface through the error handlers.
func (s *MarketStream) handleFrame(raw []byte) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return
	}

	// The feed batches events into arrays on subscription.
	if trimmed[0] == '[' {
		var frames []json.RawMessage
		if err := json.Unmarshal(trimmed, &frames); err != nil {
			return
		}
		for _, f := range frames {
			s.handleFrame(f)
		}
		return
	}

	var env streamEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return
	}
	if env.Error != "" {
		s.emitError(&domain.FeedError{Op: "stream", Err: errors.New(env.Error)})
		return
	}

	switch env.EventType {
	case eventTypeBook:
		var book BookEvent
		if err := json.Unmarshal(trimmed, &book); err != nil {
			s.emitError(&domain.FeedError{Op: "parse", Err: err})
			return
		}
		snap := book.Snapshot()
		s.emitBook(snap)
		if price, ok := snap.DerivedPrice(); ok {
			tick := domain.PriceTick{
				TokenID:   snap.TokenID,
				Price:     price,
				Timestamp: snap.Timestamp,
			}
			if tick.Valid() {
				s.emitTick(tick)
			}
		}

	case eventTypeLastTrade:
		var ev TradePriceEvent
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			s.emitError(&domain.FeedError{Op: "parse", Err: err})
			return
		}
		// Out-of-range prices are dropped without ceremony.
		if tick, ok := ev.Tick(); ok && tick.Valid() {
			s.emitTick(tick)
		}
	}
}

func (s *MarketStream) emitTick(tick domain.PriceTick) {
	s.handlerMu.RLock()
	handlers := s.tickHandlers
	s.handlerMu.RUnlock()
	for _, h := range handlers {
		h(tick)
	}
}

func (s *MarketStream) emitBook(snap domain.OrderbookSnapshot) {
	s.handlerMu.RLock()
	handlers := s.bookHandlers
	s.handlerMu.RUnlock()
	for _, h := range handlers {
		h(snap)
	}
}

func (s *MarketStream) emitConnect() {
	s.handlerMu.RLock()
	handlers := s.connectHandlers
	s.handlerMu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (s *MarketStream) emitDisconnect(err error) {
	s.handlerMu.RLock()
	handlers := s.disconnectHandlers
	s.handlerMu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func (s *MarketStream) emitError(err error) {
	s.handlerMu.RLock()
	handlers := s.errorHandlers
	s.handlerMu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}
