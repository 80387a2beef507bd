// Package auth provides HTTP middleware for bearer token authentication.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const bearerPrefix = "Bearer "

// NewAuthMiddleware returns an HTTP middleware that enforces bearer token
// authentication. If the configured token is empty, authentication is disabled
// and all requests pass through to the next handler unconditionally.
//
// When enabled, the request must carry exactly
//
//	Authorization: Bearer <token>
//
// with a case-sensitive prefix and a single space. Anything else gets 401
// and the next handler is never called. Paths listed in open skip the check.
func NewAuthMiddleware(token string, log *zap.Logger, open ...string) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("auth")
	want := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || isOpen(r.URL.Path, open) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			provided, ok := strings.CutPrefix(header, bearerPrefix)
			if !ok || provided == "" || subtle.ConstantTimeCompare([]byte(provided), want) != 1 {
				log.Warn("rejected request",
					zap.String("path", r.URL.Path),
					zap.String("remote", r.RemoteAddr),
					zap.Bool("header_present", header != ""))
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isOpen(path string, open []string) bool {
	for _, p := range open {
		if path == p {
			return true
		}
	}
	return false
}
