package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

type tickRecorder struct {
	mu    sync.Mutex
	seen  map[string][]float64
	total int
}

func newTickRecorder() *tickRecorder {
	return &tickRecorder{seen: make(map[string][]float64)}
}

func (r *tickRecorder) record(_ context.Context, tick domain.PriceTick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[tick.TokenID] = append(r.seen[tick.TokenID], tick.Price)
	r.total++
}

func (r *tickRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *tickRecorder) prices(tokenID string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, len(r.seen[tokenID]))
	copy(out, r.seen[tokenID])
	return out
}

func TestDispatcherPreservesPerTokenOrder(t *testing.T) {
	rec := newTickRecorder()
	d := NewDispatcher(4, 256, rec.record, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()

	const n = 100
	var want []float64
	for i := 0; i < n; i++ {
		price := 0.001 + float64(i)*0.002
		want = append(want, price)
		d.Offer(domain.PriceTick{TokenID: "tok-a", Price: price})
		d.Offer(domain.PriceTick{TokenID: "tok-b", Price: price})
	}

	require.Eventually(t, func() bool { return rec.count() == 2*n },
		2*time.Second, 5*time.Millisecond)

	assert.Equal(t, want, rec.prices("tok-a"), "same-token ticks arrive in order")
	assert.Equal(t, want, rec.prices("tok-b"))
	assert.Zero(t, d.Dropped())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcherOverflowKeepsNewest(t *testing.T) {
	rec := newTickRecorder()
	d := NewDispatcher(1, 2, rec.record, testLogger())

	// Fill before the workers start so the overflow path is
	// deterministic.
	for _, price := range []float64{0.01, 0.02, 0.03, 0.04, 0.05} {
		d.Offer(domain.PriceTick{TokenID: "tok", Price: price})
	}
	assert.Equal(t, int64(3), d.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.count() == 2 },
		2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []float64{0.04, 0.05}, rec.prices("tok"),
		"oldest ticks give way to the newest")
}
