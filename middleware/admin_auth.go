// Package middleware holds HTTP and call-site guards shared by the service:
// token auth for the operational endpoints and a circuit breaker for
// outbound provider calls.
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

type adminContextKey struct{}

// AdminFromContext returns the fingerprint of the token that authenticated
// the request, if any. The fingerprint is safe to log and audit.
func AdminFromContext(ctx context.Context) (string, bool) {
	fp, ok := ctx.Value(adminContextKey{}).(string)
	return fp, ok
}

// TokenFingerprint returns a short, non-reversible identifier for token.
func TokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}

// AdminAuth authenticates requests with either an "Authorization: Bearer"
// header or an X-API-Key header. Any of tokens is accepted; empty entries are
// ignored. With no tokens configured every request is refused.
func AdminAuth(tokens []string, next http.Handler) http.Handler {
	var accepted [][]byte
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			accepted = append(accepted, []byte(t))
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := presentedToken(r)
		if presented == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="billing-admin"`)
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}

		// Compare against every token so timing does not reveal which matched.
		match := 0
		for _, t := range accepted {
			match |= subtle.ConstantTimeCompare([]byte(presented), t)
		}
		if match != 1 {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), adminContextKey{}, TokenFingerprint(presented))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func presentedToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
