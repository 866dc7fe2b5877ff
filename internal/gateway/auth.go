package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/go-boss/internal/audit"
)

// authMiddleware requires the configured bearer token on every path except
// /healthz. No token configured means the gateway is open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.cfg.AuthToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.authorize(r) {
			audit.Record(r.Context(), "gateway", "auth", r.Method+" "+r.URL.Path, audit.OutcomeDenied, "missing or invalid token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(r *http.Request) bool {
	token := ExtractToken(r)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// ExtractToken reads a bearer token from the Authorization header, falling
// back to the token query parameter for EventSource and browser WebSocket
// clients that cannot set headers.
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
