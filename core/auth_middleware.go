package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/putto11262002/nexus/pkg/router"
)

const (
	key            sessionKey = "session"
	AuthCookieName            = "auth_token"
)

type sessionKey string

func contextWithSession(ctx context.Context, session Session) context.Context {
	return context.WithValue(ctx, key, session)
}

func SessionFromContext(ctx context.Context) (Session, bool) {
	session, ok := ctx.Value(key).(Session)
	return session, ok
}

// SessionFromRequest extracts the session from the request context.
// It must be called in handlers that are protected by the JWTMiddleware.
// It panics if the session is not found in the request context.
func SessionFromRequest(r *http.Request) Session {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		panic("session not found in request context: call this function in handlers that are protected by JWTMiddleware")
	}
	return session
}

func SessionCookie(session Session, httpOnly bool, path string) *http.Cookie {
	return &http.Cookie{
		Name:     AuthCookieName,
		Value:    session.Token,
		Expires:  session.ExpiresAt,
		HttpOnly: httpOnly,
		Path:     path,
		SameSite: http.SameSiteLaxMode,
	}
}

// TokenFromRequest returns the bearer token of the Authorization header, falling
// back to the auth cookie.
func TokenFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", false
		}
		return token, true
	}

	cookie, err := r.Cookie(AuthCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

// JWTMiddleware validates the token of the request and attaches the session to the request context.
// The session is guaranteed to be attached to the request context for subsequent handlers.
func JWTMiddleware(a AuthStore) router.Middleware {
	return func(next http.Handler) router.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) error {
			token, ok := TokenFromRequest(r)
			if !ok {
				return router.Unauthorized()
			}

			session, err := a.Session(r.Context(), token)
			if err != nil {
				if errors.Is(err, ErrUnauthenticated) {
					return router.Unauthorized()
				}
				return err
			}

			next.ServeHTTP(w, r.WithContext(contextWithSession(r.Context(), *session)))
			return nil
		}
	}
}
