// Package identity consumes sessions issued by the external identity
// provider. Token issuance, sign-in and password handling live there, not
// here; this package only validates tokens and extracts the user id.
package identity

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrNoSession = errors.New("no valid session")

// Session is the authenticated caller context the core reacts to.
type Session struct {
	UserID uuid.UUID
}

type claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Provider validates externally-issued HS256 session tokens.
type Provider struct {
	key []byte
}

func NewProvider(key []byte) *Provider {
	return &Provider{key: key}
}

// SessionFromToken parses and validates the token signature and expiry and
// returns the session it carries. Any failure yields ErrNoSession; callers
// fail closed.
func (p *Provider) SessionFromToken(token string) (Session, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return p.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Session{}, ErrNoSession
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return Session{}, ErrNoSession
	}

	userID, err := uuid.Parse(c.UserID)
	if err != nil {
		return Session{}, ErrNoSession
	}

	return Session{UserID: userID}, nil
}

type contextKey struct{}

func NewContext(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(contextKey{}).(Session)
	return s, ok
}
