package core

import (
	"context"
	"errors"
	"time"
)

// Session is an authenticated profile and the token that proves it.
type Session struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

var (
	ErrBadCredentials  = errors.New("invalid credentials")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("unauthorized")
)

type AuthStore interface {
	// NewSession checks the credentials and issues a token.
	// It returns ErrBadCredentials when they do not match a profile.
	NewSession(ctx context.Context, username, password string) (*Session, error)

	// DestroySession revokes the token of the session.
	DestroySession(ctx context.Context, session Session) error

	// Session returns the session of a token, or ErrUnauthenticated when the token
	// is invalid, expired or revoked.
	Session(ctx context.Context, token string) (*Session, error)
}
