// Package gate implements the static operator login that guards the
// dispatch endpoints.
package gate

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
)

// Authenticator checks submitted operator credentials against the configured
// pair. It is unrelated to the mail credentials used for delivery.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If either is empty the gate is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if gate credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// Verify reports whether user and pass match the configured pair. A
// disabled gate accepts nobody.
func (a *Authenticator) Verify(user, pass string) bool {
	if !a.Enabled() {
		return false
	}
	userOK := equal(user, a.username)
	passOK := equal(pass, a.password)
	return userOK && passOK
}

// equal compares digests so neither content nor length leaks through timing.
func equal(got, want string) bool {
	g := sha256.Sum256([]byte(got))
	w := sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(g[:], w[:]) == 1
}

// Middleware requires HTTP Basic credentials matching the gate. When the
// gate is disabled requests pass through unchanged.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !a.Verify(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="bulkmail", charset="UTF-8"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Unauthorized"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
