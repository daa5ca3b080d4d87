package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// Auth guards the API with a static operator key, presented either as
// "Authorization: Bearer <key>" or in the X-API-Key header. An empty
// configured key disables the check entirely.
func Auth(apiKey string) func(http.Handler) http.Handler {
	key := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		if len(key) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := credential(r)
			if !ok {
				deny(w, "authentication required")
				return
			}
			if subtle.ConstantTimeCompare(presented, key) != 1 {
				deny(w, "invalid credentials")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// credential extracts the presented key, preferring the Bearer scheme over
// the X-API-Key header.
func credential(r *http.Request) ([]byte, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, rest, found := strings.Cut(auth, " "); found && strings.EqualFold(scheme, "Bearer") {
			return []byte(strings.TrimSpace(rest)), true
		}
	}
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return []byte(k), true
	}
	return nil, false
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
