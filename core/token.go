package core

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/putto11262002/nexus/realtime"
)

var (
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrUnrecognizedToken = errors.New("unrecognized token")
)

const tokenIssuer = "nexus"

// AuthClaims carries the profile id as the subject.
type AuthClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewClaim(profile realtime.Profile, exp time.Time) *AuthClaims {
	return &AuthClaims{
		Username: profile.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   profile.ID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    tokenIssuer,
		},
	}
}

func NewToken(profile realtime.Profile, expiration time.Duration, secret []byte) (string, time.Time, error) {
	exp := time.Now().Add(expiration)
	claims := NewClaim(profile, exp)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", exp, err
	}

	return signed, exp, nil
}

func VerifyToken(token string, secret []byte) (*AuthClaims, error) {
	claims := &AuthClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithIssuer(tokenIssuer))

	switch {
	case err == nil && parsed.Valid:
		if claims.Subject == "" {
			return nil, ErrTokenInvalid
		}
		return claims, nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrUnrecognizedToken
	}
}
