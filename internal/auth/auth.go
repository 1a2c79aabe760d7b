// Package auth validates the single static bearer token this proxy is
// configured with. There is no multi-user token store: one deployment,
// one operator, one token.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/relaygate/relaygate/internal/relayerr"
)

type Middleware struct {
	token string
}

func NewMiddleware(token string) *Middleware {
	return &Middleware{token: token}
}

func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(m.token)) != 1 {
			relayerr.New(relayerr.AuthInvalid, "missing or invalid API key").WriteJSON(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
