package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// DefaultTokenHeader carries the status server token
const DefaultTokenHeader = "X-Status-Token"

// TokenAuth protects the /api routes of the status server with a shared token.
// Health endpoints stay open and an empty token disables the check.
// Websocket clients may pass the token as ?token= since browsers cannot set
// headers on the upgrade request.
func TokenAuth(token, headerName string) func(http.Handler) http.Handler {
	if headerName == "" {
		headerName = DefaultTokenHeader
	}
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path == "/health" || path == "/api/health" || !strings.HasPrefix(path, "/api") {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get(headerName)
			if provided == "" {
				provided = r.URL.Query().Get("token")
			}
			if provided == "" {
				unauthorized(w, "Status token is required.")
				return
			}
			if !constantTimeEquals(token, provided) {
				unauthorized(w, "Invalid status token.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func constantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
