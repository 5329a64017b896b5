// Package auth provides request authentication for the API. The server runs
// open by default; operators opt in by configuring a static bearer token,
// typically held by a reverse proxy that has already identified the caller.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/agentbox/agentbox/internal/server"
)

// userHeader names the caller set by the authenticating proxy. It is only
// trusted once the bearer token has been verified.
const userHeader = "X-User-Id"

// Bearer returns middleware that rejects any request whose Authorization
// header does not carry the configured token. An empty token disables the
// check entirely.
func Bearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(raw), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if uid := r.Header.Get(userHeader); uid != "" {
				r = r.WithContext(server.WithUserID(r.Context(), uid))
			}
			next.ServeHTTP(w, r)
		})
	}
}
