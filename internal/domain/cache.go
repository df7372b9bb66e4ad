package domain

import (
	"context"
	"time"
)

// PriceCache mirrors the latest accepted tick per token for dashboard
// reads. The evaluator never reads it; a cache failure costs freshness,
// not correctness.
type PriceCache interface {
	SetPrice(ctx context.Context, tokenID string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, tokenID string) (float64, time.Time, error)
	GetPrices(ctx context.Context, tokenIDs []string) (map[string]float64, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking. The engine uses it as a
// best-effort single-evaluator lease; rule correctness never depends on
// holding it.
type LockManager interface {
	// Acquire obtains the lock or fails fast with ErrLockHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)

	// AcquireWait blocks until the lock becomes free, then holds it,
	// renewing the TTL until the unlock function runs.
	AcquireWait(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus fans lifecycle and price events out to dashboard consumers.
// It sits outside the feed path: feed events reach the evaluator through
// in-process handlers only. StreamTail serves connection-time replay of
// the recent event trail.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamTail(ctx context.Context, stream string, count int) ([]StreamMessage, error)
}
