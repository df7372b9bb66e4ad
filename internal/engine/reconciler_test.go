package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelmarkets/sentinel/internal/domain"
	"github.com/sentinelmarkets/sentinel/internal/store/memory"
)

type fakeFeed struct {
	mu     sync.Mutex
	subs   map[string]struct{}
	unsubs [][]string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subs: make(map[string]struct{})}
}

func (f *fakeFeed) Subscribe(tokenIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range tokenIDs {
		f.subs[id] = struct{}{}
	}
	return nil
}

func (f *fakeFeed) Unsubscribe(tokenIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range tokenIDs {
		delete(f.subs, id)
	}
	f.unsubs = append(f.unsubs, tokenIDs)
	return nil
}

func (f *fakeFeed) Subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for id := range f.subs {
		out = append(out, id)
	}
	return out
}

func (f *fakeFeed) Status() domain.FeedStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.FeedStatus{Connected: true, Subscriptions: len(f.subs)}
}

func (f *fakeFeed) has(tokenID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[tokenID]
	return ok
}

func TestReconcilerSyncsActiveTokens(t *testing.T) {
	store := memory.NewRuleStore()
	feed := newFakeFeed()
	r := NewReconciler(store, feed, time.Minute, testLogger())
	ctx := context.Background()

	a := stopLossRule("owner-a", "tok-a", 0.30)
	b := stopLossRule("owner-a", "tok-b", 0.40)
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))

	require.NoError(t, r.reconcile(ctx))
	assert.ElementsMatch(t, []string{"tok-a", "tok-b"}, feed.Subscribed())

	// A resolved rule releases its token; a new rule adds one.
	ok, err := store.MarkTriggered(ctx, a.ID, "")
	require.NoError(t, err)
	require.True(t, ok)
	c := stopLossRule("owner-b", "tok-c", 0.50)
	require.NoError(t, store.Create(ctx, c))

	require.NoError(t, r.reconcile(ctx))
	assert.ElementsMatch(t, []string{"tok-b", "tok-c"}, feed.Subscribed())

	// Nothing changed: no spurious unsubscribes.
	require.NoError(t, r.reconcile(ctx))
	assert.Len(t, feed.unsubs, 1)
}

func TestReconcilerSharedTokenStaysSubscribed(t *testing.T) {
	store := memory.NewRuleStore()
	feed := newFakeFeed()
	r := NewReconciler(store, feed, time.Minute, testLogger())
	ctx := context.Background()

	first := stopLossRule("owner-a", "tok-shared", 0.30)
	second := stopLossRule("owner-b", "tok-shared", 0.40)
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, second))

	require.NoError(t, r.reconcile(ctx))
	assert.True(t, feed.has("tok-shared"))

	// One of two watchers resolves; the token stays subscribed for the
	// survivor.
	ok, err := store.MarkTriggered(ctx, first.ID, "")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.reconcile(ctx))
	assert.True(t, feed.has("tok-shared"))
}

func TestReconcilerRunRespondsToPokes(t *testing.T) {
	store := memory.NewRuleStore()
	feed := newFakeFeed()
	r := NewReconciler(store, feed, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	rule := stopLossRule("owner-a", "tok-late", 0.30)
	require.NoError(t, store.Create(ctx, rule))
	r.Poke()

	require.Eventually(t, func() bool { return feed.has("tok-late") },
		2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestReconcilerPeriodicBackstop(t *testing.T) {
	store := memory.NewRuleStore()
	feed := newFakeFeed()
	r := NewReconciler(store, feed, 20*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	// No poke at all: the interval alone must pick the rule up.
	rule := stopLossRule("owner-a", "tok-tick", 0.30)
	require.NoError(t, store.Create(ctx, rule))

	require.Eventually(t, func() bool { return feed.has("tok-tick") },
		2*time.Second, 5*time.Millisecond)
}
