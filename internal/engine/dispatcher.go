package engine

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

// TickFunc consumes one tick.
type TickFunc func(ctx context.Context, tick domain.PriceTick)

// Dispatcher fans ticks out to a fixed pool of workers, partitioned by
// token ID. Ticks for one token always land on the same worker and are
// evaluated in arrival order; distinct tokens proceed concurrently. When
// a partition queue is full the oldest tick is dropped, so the most
// recent price wins.
type Dispatcher struct {
	fn     TickFunc
	logger *slog.Logger
	queues []chan domain.PriceTick

	dropped atomic.Int64
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given worker count and
// per-worker queue size.
func NewDispatcher(workers, queueSize int, fn TickFunc, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	queues := make([]chan domain.PriceTick, workers)
	for i := range queues {
		queues[i] = make(chan domain.PriceTick, queueSize)
	}

	return &Dispatcher{
		fn:     fn,
		logger: logger.With(slog.String("component", "dispatcher")),
		queues: queues,
	}
}

// Run starts the workers and blocks until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("starting tick workers", slog.Int("workers", len(d.queues)))

	for i := range d.queues {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}

	<-ctx.Done()
	d.wg.Wait()

	if n := d.dropped.Load(); n > 0 {
		d.logger.Info("tick workers stopped", slog.Int64("dropped_ticks", n))
	} else {
		d.logger.Info("tick workers stopped")
	}
	return nil
}

// Offer hands a tick to its partition without ever blocking the feed's
// read loop. On overflow the oldest queued tick for the partition is
// discarded.
func (d *Dispatcher) Offer(tick domain.PriceTick) {
	q := d.queues[d.partition(tick.TokenID)]

	select {
	case q <- tick:
		return
	default:
	}

	select {
	case <-q:
		d.dropped.Add(1)
	default:
	}
	select {
	case q <- tick:
	default:
		d.dropped.Add(1)
	}
}

// Dropped returns the number of ticks discarded on overflow.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) partition(tokenID string) int {
	h := fnv.New32a()
	h.Write([]byte(tokenID))
	return int(h.Sum32() % uint32(len(d.queues)))
}

func (d *Dispatcher) worker(ctx context.Context, i int) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-d.queues[i]:
			d.fn(ctx, tick)
		}
	}
}
