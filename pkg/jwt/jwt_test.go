package jwt

import (
	"errors"
	"testing"
	"time"
)

func TestSignAndValidate(t *testing.T) {
	s := NewSigner("secret", time.Hour, 24*time.Hour)

	access, err := s.AccessToken(7, "traveler")
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	claims, err := s.Validate(access)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.UserID != 7 || claims.Role != "traveler" || claims.TokenType != TypeAccess {
		t.Errorf("claims = %+v", claims)
	}

	refresh, err := s.RefreshToken(7, "traveler")
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	claims, err = s.Validate(refresh)
	if err != nil {
		t.Fatalf("Validate refresh: %v", err)
	}
	if claims.TokenType != TypeRefresh {
		t.Errorf("token type = %q, want refresh", claims.TokenType)
	}
}

func TestValidateRejectsExpiredAndForeign(t *testing.T) {
	expired, err := NewSigner("secret", -time.Minute, time.Hour).AccessToken(7, "traveler")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewSigner("secret", time.Hour, time.Hour).Validate(expired); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expired token: err = %v, want ErrTokenExpired", err)
	}

	foreign, err := NewSigner("other-secret", time.Hour, time.Hour).AccessToken(7, "traveler")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewSigner("secret", time.Hour, time.Hour).Validate(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign token: err = %v, want ErrInvalidToken", err)
	}

	if _, err := NewSigner("secret", time.Hour, time.Hour).Validate("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage token: err = %v, want ErrInvalidToken", err)
	}
}

// PeekExpiry must work without knowing the signing secret; the client only
// ever sees tokens signed by the backend.
func TestPeekExpiryWithoutSecret(t *testing.T) {
	token, err := NewSigner("server-only-secret", time.Hour, time.Hour).AccessToken(7, "traveler")
	if err != nil {
		t.Fatal(err)
	}

	exp, err := PeekExpiry(token)
	if err != nil {
		t.Fatalf("PeekExpiry: %v", err)
	}
	until := time.Until(exp)
	if until < 59*time.Minute || until > 61*time.Minute {
		t.Errorf("expiry %v from now, want about an hour", until)
	}

	if _, err := PeekExpiry("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage: err = %v, want ErrInvalidToken", err)
	}
}
