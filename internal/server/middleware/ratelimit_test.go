package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLimiter struct {
	mu      sync.Mutex
	allowed bool
	err     error
	keys    []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return f.allowed, f.err
}

func TestRateLimitAllows(t *testing.T) {
	limiter := &fakeLimiter{allowed: true}
	probe := &probeHandler{}
	h := RateLimit(limiter, 60, time.Minute)(probe)

	req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, probe.called)
}

func TestRateLimitRejects(t *testing.T) {
	limiter := &fakeLimiter{allowed: false}
	probe := &probeHandler{}
	h := RateLimit(limiter, 60, time.Minute)(probe)

	req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.False(t, probe.called)
}

func TestRateLimitFailsOpen(t *testing.T) {
	limiter := &fakeLimiter{allowed: false, err: errors.New("redis down")}
	probe := &probeHandler{}
	h := RateLimit(limiter, 60, time.Minute)(probe)

	req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, probe.called)
}

func TestRateLimitKeysOnOwner(t *testing.T) {
	limiter := &fakeLimiter{allowed: true}
	probe := &probeHandler{}

	// Auth outside RateLimit, as the server chains them, so the limiter
	// sees the derived owner.
	h := Auth()(RateLimit(limiter, 60, time.Minute)(probe))

	req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)
	req.Header.Set("X-API-Key", "secret-a")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, limiter.keys, 1)
	assert.Equal(t, "api:"+OwnerID("secret-a"), limiter.keys[0])
}

func TestRateLimitKeysOnClientIPWithoutOwner(t *testing.T) {
	limiter := &fakeLimiter{allowed: true}
	probe := &probeHandler{}
	h := RateLimit(limiter, 60, time.Minute)(probe)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Len(t, limiter.keys, 1)
	assert.Equal(t, "api:203.0.113.9", limiter.keys[0])
}
