// Package auth handles the session token: issuance and validation on the
// development server, and local expiry inspection on the client, which never
// holds the signing secret.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the claims in a session token.
type Claims struct {
	UserID    string `json:"user_id"`
	Character string `json:"character,omitempty"`
	jwt.RegisteredClaims
}

// ErrExpired reports a token past its expiry.
var ErrExpired = errors.New("token expired")

// sessionTokenTTL is the issued token lifetime.
const sessionTokenTTL = 7 * 24 * time.Hour

// Issuer signs and validates session tokens. Used by the development server.
type Issuer struct {
	secret []byte
}

// NewIssuer creates an issuer with the given signing secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// IssueToken generates a session token for the given user.
func (i *Issuer) IssueToken(userID string) (string, error) {
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(sessionTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// ValidateToken verifies the signature and expiry and returns the claims.
func (i *Issuer) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrInvalidKey
}

// InspectToken decodes a token without verifying its signature. The client
// uses it to drop a stored token that has already expired instead of
// presenting it and failing the handshake.
func InspectToken(tokenString string) (*Claims, error) {
	parser := jwt.NewParser()
	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
		return claims, ErrExpired
	}
	return claims, nil
}
