package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/makihq/maki-gateway/internal/potluck"
)

type contextKey string

const keyInfoKey contextKey = "keyInfo"

// KeyInfo is attached to the request context after authentication.
type KeyInfo struct {
	ID      string
	Name    string
	IsAdmin bool
}

// Middleware validates admin bearer tokens and potluck client keys.
type Middleware struct {
	adminToken string
	tokens     *potluck.Store
}

func NewMiddleware(adminToken string, tokens *potluck.Store) *Middleware {
	return &Middleware{adminToken: adminToken, tokens: tokens}
}

// Admin guards the admin surface: the static token or a login session.
func (m *Middleware) Admin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(m.adminToken)) != 1 &&
			!m.tokens.ValidateSession(token) {
			slog.Warn("admin auth failed", "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}

		ctx := context.WithValue(r.Context(), keyInfoKey, &KeyInfo{ID: "admin", Name: "admin", IsAdmin: true})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Client guards the relay surface with a potluck key, counting each request
// against the key's daily limit. The admin token passes uncounted.
func (m *Middleware) Client(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(m.adminToken)) == 1 {
			ctx := context.WithValue(r.Context(), keyInfoKey, &KeyInfo{ID: "admin", Name: "admin", IsAdmin: true})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		key, err := m.tokens.Authenticate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		if _, err := m.tokens.Consume(key.ID); err != nil {
			if errors.Is(err, potluck.ErrQuotaExceeded) {
				writeError(w, http.StatusTooManyRequests, "daily quota exceeded")
				return
			}
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), keyInfoKey, &KeyInfo{ID: key.ID, Name: key.Name})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetKeyInfo returns the authenticated identity, if any.
func GetKeyInfo(ctx context.Context) *KeyInfo {
	v, _ := ctx.Value(keyInfoKey).(*KeyInfo)
	return v
}

func extractToken(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.URL.Query().Get("key"); key != "" {
		// Gemini clients pass the key as a query parameter.
		return key
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"type":"authentication_error","message":%q}}`, msg)
}
