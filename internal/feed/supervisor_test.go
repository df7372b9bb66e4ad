package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelmarkets/sentinel/internal/domain"
	"github.com/sentinelmarkets/sentinel/internal/platform/polymarket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStream struct {
	onTick polymarket.TickHandler
	onBook polymarket.BookHandler

	connectErrs int32
	connects    atomic.Int32
	closed      atomic.Bool
}

func (f *fakeStream) Connect(_ context.Context) error {
	n := f.connects.Add(1)
	if n <= f.connectErrs {
		return errors.New("dial refused")
	}
	return nil
}

func (f *fakeStream) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeStream) OnTick(h polymarket.TickHandler)             { f.onTick = h }
func (f *fakeStream) OnBook(h polymarket.BookHandler)             { f.onBook = h }
func (f *fakeStream) OnConnect(_ polymarket.ConnectHandler)       {}
func (f *fakeStream) OnDisconnect(_ polymarket.DisconnectHandler) {}
func (f *fakeStream) OnError(_ polymarket.ErrorHandler)           {}
func (f *fakeStream) Status() domain.FeedStatus                   { return domain.FeedStatus{} }

type fakeSink struct {
	mu    sync.Mutex
	ticks []domain.PriceTick
}

func (f *fakeSink) HandleTick(tick domain.PriceTick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks = append(f.ticks, tick)
}

func (f *fakeSink) all() []domain.PriceTick {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PriceTick(nil), f.ticks...)
}

type fakeCache struct {
	writes chan string
}

func (f *fakeCache) SetPrice(_ context.Context, tokenID string, _ float64, _ time.Time) error {
	f.writes <- tokenID
	return nil
}

func (f *fakeCache) GetPrice(context.Context, string) (float64, time.Time, error) {
	return 0, time.Time{}, domain.ErrNotFound
}

func (f *fakeCache) GetPrices(context.Context, []string) (map[string]float64, error) {
	return nil, nil
}

type busMessage struct {
	channel string
	payload []byte
}

type fakeBus struct {
	published chan busMessage
}

func (f *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	f.published <- busMessage{channel: channel, payload: payload}
	return nil
}

func (f *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (f *fakeBus) StreamTail(context.Context, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func recvMessage(t *testing.T, ch chan busMessage) busMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus publish")
		return busMessage{}
	}
}

func TestSupervisorFeedsAndMirrorsTicks(t *testing.T) {
	stream := &fakeStream{}
	sink := &fakeSink{}
	cache := &fakeCache{writes: make(chan string, 8)}
	bus := &fakeBus{published: make(chan busMessage, 8)}

	sup := NewSupervisor(stream, sink, cache, bus, testLogger())
	require.NotNil(t, stream.onTick, "supervisor must register the tick handler")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	tick := domain.PriceTick{TokenID: "tok-a", Price: 0.42, Timestamp: time.Now().UTC()}
	stream.onTick(tick)

	// The sink is fed synchronously on the handler path.
	require.Len(t, sink.all(), 1)
	assert.Equal(t, tick, sink.all()[0])

	select {
	case tokenID := <-cache.writes:
		assert.Equal(t, "tok-a", tokenID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cache write")
	}

	msg := recvMessage(t, bus.published)
	assert.Equal(t, "prices:tok-a", msg.channel)
	var ev priceEvent
	require.NoError(t, json.Unmarshal(msg.payload, &ev))
	assert.Equal(t, "tick", ev.Event)
	assert.InDelta(t, 0.42, ev.Price, 1e-9)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.True(t, stream.closed.Load())
}

func TestSupervisorPublishesBookSpreads(t *testing.T) {
	stream := &fakeStream{}
	sink := &fakeSink{}
	bus := &fakeBus{published: make(chan busMessage, 8)}

	sup := NewSupervisor(stream, sink, nil, bus, testLogger())
	require.NotNil(t, stream.onBook)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	stream.onBook(domain.OrderbookSnapshot{
		TokenID:   "tok-b",
		BestBid:   0.42,
		BestAsk:   0.46,
		Timestamp: time.Now().UTC(),
	})

	msg := recvMessage(t, bus.published)
	assert.Equal(t, "prices:tok-b", msg.channel)
	var ev priceEvent
	require.NoError(t, json.Unmarshal(msg.payload, &ev))
	assert.Equal(t, "book", ev.Event)
	assert.InDelta(t, 0.42, ev.BestBid, 1e-9)
	assert.InDelta(t, 0.46, ev.BestAsk, 1e-9)
}

func TestSupervisorRetriesInitialConnect(t *testing.T) {
	stream := &fakeStream{connectErrs: 2}
	sup := NewSupervisor(stream, &fakeSink{}, nil, nil, testLogger())
	sup.retryDelay = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return stream.connects.Load() == 3
	}, 2*time.Second, 5*time.Millisecond, "expected two failures then a successful dial")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisorWithoutCacheAndBus(t *testing.T) {
	stream := &fakeStream{}
	sink := &fakeSink{}

	NewSupervisor(stream, sink, nil, nil, testLogger())

	// Handlers must be safe with no mirror targets configured.
	stream.onTick(domain.PriceTick{TokenID: "tok-c", Price: 0.5, Timestamp: time.Now()})
	stream.onBook(domain.OrderbookSnapshot{TokenID: "tok-c"})

	require.Len(t, sink.all(), 1)
}
