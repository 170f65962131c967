// Package auth gates the control API behind a shared bearer token whose
// bcrypt hash is kept in the configuration.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/ollamad/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingTokenHash   = errors.New("server.auth.token_hash is required when auth is enabled")
)

// Middleware checks the Authorization header of every request.
// A disabled Middleware lets everything through.
type Middleware struct {
	enabled bool
	hash    []byte

	// last token that passed bcrypt
	mu       sync.RWMutex
	accepted []byte
}

// New builds a Middleware from cfg. The stored hash must be a bcrypt hash.
func New(cfg config.AuthConfig) (*Middleware, error) {
	if !cfg.Enabled {
		return &Middleware{}, nil
	}
	if cfg.TokenHash == "" {
		return nil, ErrMissingTokenHash
	}
	if _, err := bcrypt.Cost([]byte(cfg.TokenHash)); err != nil {
		return nil, err
	}
	return &Middleware{enabled: true, hash: []byte(cfg.TokenHash)}, nil
}

// Enabled reports whether requests are checked.
func (m *Middleware) Enabled() bool { return m.enabled }

// HashToken hashes token for server.auth.token_hash. cost 0 uses bcrypt.DefaultCost.
func HashToken(token string, cost int) (string, error) {
	if token == "" {
		return "", errors.New("token must not be empty")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// GinAuth returns a Gin middleware function for authentication
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}
		if err := m.authenticate(c.Request); err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="ollamad"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
				"kind":  "auth",
			})
			return
		}
		c.Next()
	}
}

// HTTPAuth wraps a standard handler.
func (m *Middleware) HTTPAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r)
			return
		}
		if err := m.authenticate(r); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="ollamad"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required","kind":"auth"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate accepts "Authorization: Bearer <token>" or basic auth with the
// token as the password.
func (m *Middleware) authenticate(r *http.Request) error {
	var token string
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			token = strings.TrimSpace(parts[1])
		}
	}
	if token == "" {
		if _, pw, ok := r.BasicAuth(); ok {
			token = pw
		}
	}
	if token == "" {
		return ErrInvalidCredentials
	}
	return m.verify([]byte(token))
}

func (m *Middleware) verify(token []byte) error {
	m.mu.RLock()
	known := m.accepted
	m.mu.RUnlock()
	if known != nil && subtle.ConstantTimeCompare(known, token) == 1 {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(m.hash, token); err != nil {
		return ErrInvalidCredentials
	}
	m.mu.Lock()
	m.accepted = append([]byte(nil), token...)
	m.mu.Unlock()
	return nil
}
