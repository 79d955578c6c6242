// Package auth guards the queue HTTP endpoints with a bearer token or
// basic credentials.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ServerConfig holds authentication configuration for the stats server.
type ServerConfig struct {
	// BearerToken is the expected bearer token. It takes precedence over
	// basic credentials.
	BearerToken string
	// BasicAuthUsername is the username for basic authentication.
	BasicAuthUsername string
	// BasicAuthPassword is the password for basic authentication.
	BasicAuthPassword string
}

// Enabled reports whether any credentials are configured.
func (c ServerConfig) Enabled() bool {
	return c.BearerToken != "" || (c.BasicAuthUsername != "" && c.BasicAuthPassword != "")
}

// HTTPMiddleware rejects requests that do not carry the configured
// credentials. With nothing configured it returns next unchanged.
func HTTPMiddleware(cfg ServerConfig, next http.Handler) http.Handler {
	if !cfg.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if msg := check(cfg, r); msg != "" {
			if cfg.BearerToken == "" {
				w.Header().Set("WWW-Authenticate", `Basic realm="diskqueue"`)
			} else {
				w.Header().Set("WWW-Authenticate", `Bearer realm="diskqueue"`)
			}
			http.Error(w, msg, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// check returns why r is rejected, or "" when it is authorized.
func check(cfg ServerConfig, r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "missing authorization header"
	}

	if cfg.BearerToken != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return "invalid authorization header format"
		}
		if !equal(token, cfg.BearerToken) {
			return "invalid bearer token"
		}
		return ""
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return "invalid authorization header format"
	}
	userOK := equal(user, cfg.BasicAuthUsername)
	passOK := equal(pass, cfg.BasicAuthPassword)
	if !userOK || !passOK {
		return "invalid basic auth credentials"
	}
	return ""
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
