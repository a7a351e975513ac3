// Package auth guards the LAN surface with the pairing token handed to a
// client when it is paired with this device.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/yourownai/relay/internal/api/respond"
)

var (
	// ErrMissingToken is returned when the request carries no credentials.
	ErrMissingToken = errors.New("missing pairing token")
	// ErrInvalidToken is returned when the credentials do not match.
	ErrInvalidToken = errors.New("invalid pairing token")
)

// Authorizer validates a presented token.
type Authorizer interface {
	Authorize(ctx context.Context, token string) error
}

// PairingAuthorizer accepts exactly one shared token.
type PairingAuthorizer struct {
	token []byte
}

func NewPairingAuthorizer(token string) *PairingAuthorizer {
	return &PairingAuthorizer{token: []byte(token)}
}

func (a *PairingAuthorizer) Authorize(_ context.Context, token string) error {
	if subtle.ConstantTimeCompare([]byte(token), a.token) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// OpenAuthorizer accepts everything. Used when no pairing token is configured.
type OpenAuthorizer struct{}

func (OpenAuthorizer) Authorize(context.Context, string) error { return nil }

// NewAuthorizer picks the authorizer for the configured token.
func NewAuthorizer(token string) Authorizer {
	if token == "" {
		return OpenAuthorizer{}
	}
	return NewPairingAuthorizer(token)
}

// ExtractToken reads "Authorization: Bearer <token>". Browsers cannot set
// headers on EventSource requests, so a token query parameter is accepted too.
func ExtractToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if t := r.URL.Query().Get("token"); t != "" {
			return t, nil
		}
		return "", ErrMissingToken
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("invalid Authorization header format, expected 'Bearer <token>'")
	}
	return parts[1], nil
}

// Middleware rejects requests the authorizer refuses. Paths listed in open
// are served without credentials.
func Middleware(a Authorizer, open ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(open))
	for _, p := range open {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := a.(OpenAuthorizer); ok || skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			token, err := ExtractToken(r)
			if err == nil {
				err = a.Authorize(r.Context(), token)
			}
			if err != nil {
				respond.WriteError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
