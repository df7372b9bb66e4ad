// Package middleware provides the HTTP middleware chain: CORS, request
// logging, owner-identity auth, and rate limiting.
package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

type contextKey string

const ownerKey contextKey = "owner"

// openPaths are served without an API secret: the liveness probe and the
// read-only dashboard socket.
var openPaths = map[string]bool{
	"/api/health": true,
	"/api/ws":     true,
}

// Auth returns middleware that derives the caller's owner identity from
// the presented API secret, taken from the Authorization header (Bearer
// scheme) or the X-API-Key header. The identity is the hex SHA-256 of
// the secret, so raw secrets are never stored or logged; all rule access
// downstream is scoped to it. Requests without a secret are rejected
// outside openPaths.
func Auth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if openPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			secret := extractSecret(r)
			if secret == "" {
				writeUnauthorized(w, "missing API secret")
				return
			}

			ctx := context.WithValue(r.Context(), ownerKey, OwnerID(secret))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OwnerID derives the owner identity for an API secret.
func OwnerID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Owner returns the owner identity stored by Auth, or "" when absent.
func Owner(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}

// extractSecret looks for a secret in the Authorization header (Bearer
// scheme) or in the X-API-Key header.
func extractSecret(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}

	return ""
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
