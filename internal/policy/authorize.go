package policy

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Authorizer gates mutating session operations (start, stop, delete)
// behind a shared bearer token. An empty token disables the gate, which
// is the default for local single-user deployments.
type Authorizer struct {
	token string
}

func NewAuthorizer(token string) *Authorizer {
	return &Authorizer{token: strings.TrimSpace(token)}
}

func (a *Authorizer) Enabled() bool {
	return a.token != ""
}

// Allow checks the Authorization header against the configured token.
func (a *Authorizer) Allow(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	presented := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) == 1
}

// Middleware rejects unauthorized requests with 401 before they reach the
// handler.
func (a *Authorizer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allow(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"missing or invalid bearer token","code":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
