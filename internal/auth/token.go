// Package auth resolves session credentials to user identities. Token
// issuance lives on the HTTP login path; the realtime layer only consumes
// the "credential -> identity" contract.
package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid session token")

// Claims embeds the token version so revoked sessions can be rejected by
// comparing against the user's persisted version.
type Claims struct {
	TokenVersion int `json:"ver"`
	jwt.RegisteredClaims
}

// Identity is the result of resolving a credential.
type Identity struct {
	UserID       string
	TokenVersion int
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Resolve validates an HMAC-signed session token and extracts the identity
// it carries. Any parse or signature failure maps to ErrInvalidToken; the
// caller never sees library internals.
func (v *Verifier) Resolve(credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.Subject, TokenVersion: claims.TokenVersion}, nil
}
