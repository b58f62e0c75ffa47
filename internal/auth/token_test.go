package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret, subject string, version int) string {
	t.Helper()
	claims := Claims{
		TokenVersion: version,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

func TestResolveValidToken(t *testing.T) {
	v := NewVerifier("test-secret")
	credential := signToken(t, "test-secret", "user-42", 3)

	id, err := v.Resolve(credential)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if id.UserID != "user-42" || id.TokenVersion != 3 {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestResolveRejectsBadCredentials(t *testing.T) {
	v := NewVerifier("test-secret")

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"wrong secret": signToken(t, "other-secret", "user-42", 1),
		"missing sub":  signToken(t, "test-secret", "", 1),
	}
	for name, credential := range cases {
		if _, err := v.Resolve(credential); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestResolveRejectsExpiredToken(t *testing.T) {
	v := NewVerifier("test-secret")
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}

	if _, err := v.Resolve(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for expired token, got %v", err)
	}
}
