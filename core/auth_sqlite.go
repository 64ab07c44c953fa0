package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type SQLiteAuthStore struct {
	tokenExp     time.Duration
	secret       []byte
	profileStore ProfileStore
	db           *sql.DB
}

type AuthOption func(*SQLiteAuthStore)

func WithTokenExp(exp time.Duration) AuthOption {
	return func(a *SQLiteAuthStore) {
		a.tokenExp = exp
	}
}

func NewSQLiteAuthStore(db *sql.DB, profileStore ProfileStore, secret []byte, opts ...AuthOption) *SQLiteAuthStore {
	auth := &SQLiteAuthStore{
		tokenExp:     time.Hour * 24,
		secret:       secret,
		profileStore: profileStore,
		db:           db,
	}
	for _, opt := range opts {
		opt(auth)
	}
	return auth
}

func (a *SQLiteAuthStore) NewSession(ctx context.Context, username, password string) (*Session, error) {
	profile, err := a.profileStore.GetProfileByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("GetProfileByUsername: %w", err)
	}
	if profile == nil {
		return nil, ErrBadCredentials
	}

	ok, err := a.profileStore.ComparePassword(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("ComparePassword: %w", err)
	}
	if !ok {
		return nil, ErrBadCredentials
	}

	token, exp, err := NewToken(*profile, a.tokenExp, a.secret)
	if err != nil {
		return nil, fmt.Errorf("NewToken: %w", err)
	}

	return &Session{
		UserID:    profile.ID,
		Username:  profile.Username,
		Token:     token,
		ExpiresAt: exp,
	}, nil
}

func (a *SQLiteAuthStore) DestroySession(ctx context.Context, session Session) error {
	if err := a.blacklistToken(ctx, session.Token); err != nil {
		return fmt.Errorf("blacklistToken: %w", err)
	}
	return nil
}

func (a *SQLiteAuthStore) blacklistToken(ctx context.Context, token string) error {
	_, err := a.db.ExecContext(ctx, "INSERT INTO blacklists (token) VALUES (@token) ON CONFLICT DO NOTHING",
		sql.Named("token", token))
	return err
}

func (a *SQLiteAuthStore) isBlacklisted(ctx context.Context, token string) (bool, error) {
	row := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM blacklists WHERE token = @token", sql.Named("token", token))
	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("row.Scan: %w", err)
	}
	return count > 0, nil
}

func (a *SQLiteAuthStore) Session(ctx context.Context, token string) (*Session, error) {
	claims, err := VerifyToken(token, a.secret)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrUnrecognizedToken) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("VerifyToken: %w", err)
	}

	blacklisted, err := a.isBlacklisted(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("isBlacklisted: %w", err)
	}
	if blacklisted {
		return nil, ErrUnauthenticated
	}

	session := &Session{
		UserID:   claims.Subject,
		Username: claims.Username,
		Token:    token,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}
