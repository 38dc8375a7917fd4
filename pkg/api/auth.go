package api

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

// AuthConfig holds credentials for the API middleware.
type AuthConfig struct {
	Users   map[string]string // username -> password
	APIKeys map[string]bool   // valid API key tokens
}

// authMiddleware guards /api/ routes with Basic auth, a Bearer token or an
// X-API-Key header. /health and /metrics stay open for probes and
// scrapers.
func authMiddleware(cfg AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if auth := r.Header.Get("Authorization"); auth != "" && checkAuthorization(auth, cfg) {
			next.ServeHTTP(w, r)
			return
		}
		if key := r.Header.Get("X-API-Key"); key != "" && validKey(key, cfg.APIKeys) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="meshdp API"`)
		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

// checkAuthorization validates an Authorization header value.
func checkAuthorization(auth string, cfg AuthConfig) bool {
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return validKey(token, cfg.APIKeys)
	}
	payload, ok := strings.CutPrefix(auth, "Basic ")
	if !ok {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return false
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	expected, exists := cfg.Users[user]
	if !exists {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(expected)) == 1
}

// validKey compares key against every configured key in constant time.
func validKey(key string, keys map[string]bool) bool {
	found := 0
	for k, enabled := range keys {
		if enabled {
			found |= subtle.ConstantTimeCompare([]byte(key), []byte(k))
		}
	}
	return found == 1
}
