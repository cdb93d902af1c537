package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing token")
)

// TokenValidator accepts or rejects the opaque token a client presents when
// joining a room. The core does not interpret identity beyond that.
type TokenValidator struct {
	secretKey []byte
}

// NewTokenValidator builds a validator. An empty secret disables signature
// verification (development mode): any non-empty token is accepted.
func NewTokenValidator(secretKey string) *TokenValidator {
	return &TokenValidator{secretKey: []byte(secretKey)}
}

// Validate checks the token. With a secret configured the token must be a
// valid HS256 JWT; claims beyond validity are ignored.
func (v *TokenValidator) Validate(tokenString string) error {
	if tokenString == "" {
		return ErrMissingToken
	}
	if len(v.secretKey) == 0 {
		return nil
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secretKey, nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
