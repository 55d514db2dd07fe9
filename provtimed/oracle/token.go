// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package oracle

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for expired, malformed or mis-signed tokens.
var ErrInvalidToken = errors.New("invalid token")

// TokenIssuer mints and validates the bearer tokens that authenticate
// oracle requests.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	myNow  func() time.Time
}

// NewTokenIssuer returns an issuer signing with the provided secret.  A
// zero ttl defaults to one hour.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{
		secret: secret,
		ttl:    ttl,
		myNow:  time.Now,
	}
}

// Issue mints a token for an authenticated account.  It returns the signed
// token and its expiry.
func (t *TokenIssuer) Issue(a *Account) (string, time.Time, error) {
	now := t.myNow()
	expiry := now.Add(t.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256,
		jwt.RegisteredClaims{
			Subject:   a.Email,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		})

	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiry, nil
}

// Validate checks a bearer token and returns the subject email.
func (t *TokenIssuer) Validate(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims,
		func(*jwt.Token) (interface{}, error) {
			return t.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return t.myNow() }))
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
