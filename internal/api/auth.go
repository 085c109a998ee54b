package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/taskpilot/taskpilot/internal/config"
)

// Authenticator resolves bearer API keys to owner ids from a static
// key table. When disabled, the owner id in the request path is trusted
// as-is, which is only suitable for local development.
type Authenticator struct {
	enabled bool
	keys    []config.APIKeyEntry
}

// NewAuthenticator builds an authenticator from config.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{enabled: cfg.Enabled, keys: cfg.Keys}
}

// Enabled reports whether bearer authentication is enforced.
func (a *Authenticator) Enabled() bool {
	return a.enabled
}

// OwnerForRequest returns the owner id the request is authenticated as.
// The second return value is false when the credentials are missing or
// unknown.
func (a *Authenticator) OwnerForRequest(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	for _, entry := range a.keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(entry.Key)) == 1 {
			return entry.Owner, true
		}
	}
	return "", false
}
