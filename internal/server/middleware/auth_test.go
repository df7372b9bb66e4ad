package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// probeHandler records whether it ran and the owner it saw.
type probeHandler struct {
	called bool
	owner  string
}

func (p *probeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.called = true
	p.owner = Owner(r.Context())
	w.WriteHeader(http.StatusOK)
}

func TestAuthRejectsMissingSecret(t *testing.T) {
	probe := &probeHandler{}
	h := Auth()(probe)

	req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, probe.called)
	assert.Contains(t, rec.Body.String(), "missing API secret")
}

func TestAuthDerivesOwnerFromAPIKey(t *testing.T) {
	probe := &probeHandler{}
	h := Auth()(probe)

	req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)
	req.Header.Set("X-API-Key", "secret-a")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, probe.called)
	assert.Equal(t, OwnerID("secret-a"), probe.owner)
	assert.Len(t, probe.owner, 64)
	assert.NotContains(t, probe.owner, "secret-a")
}

func TestAuthAcceptsBearerToken(t *testing.T) {
	probe := &probeHandler{}
	h := Auth()(probe)

	req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)
	req.Header.Set("Authorization", "Bearer secret-a")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, OwnerID("secret-a"), probe.owner)
}

func TestAuthSkipsOpenPaths(t *testing.T) {
	for _, path := range []string{"/api/health", "/api/ws"} {
		probe := &probeHandler{}
		h := Auth()(probe)

		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.True(t, probe.called, path)
		assert.Empty(t, probe.owner, path)
	}
}

func TestOwnerIDStableAndDistinct(t *testing.T) {
	assert.Equal(t, OwnerID("secret-a"), OwnerID("secret-a"))
	assert.NotEqual(t, OwnerID("secret-a"), OwnerID("secret-b"))
}

func TestOwnerEmptyWithoutAuth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, Owner(req.Context()))
}
