package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestIdentityFromToken(t *testing.T) {
	tok := signed(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "buyer-17"},
		Email:            "b@example.com",
	})
	id, err := Identity(tok)
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if id != "buyer-17" {
		t.Errorf("identity = %q", id)
	}
}

func TestIdentityErrors(t *testing.T) {
	if _, err := Identity("not-a-jwt"); err == nil {
		t.Error("expected parse error")
	}
	tok := signed(t, Claims{Email: "anon@example.com"})
	if _, err := Identity(tok); !errors.Is(err, ErrNoSubject) {
		t.Errorf("err = %v, want ErrNoSubject", err)
	}
}

func TestClaimsExpired(t *testing.T) {
	now := time.Now()
	c := Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute))}}
	if !c.Expired(now) {
		t.Error("past expiry not expired")
	}
	c.ExpiresAt = jwt.NewNumericDate(now.Add(time.Hour))
	if c.Expired(now) {
		t.Error("future expiry expired")
	}
	if (&Claims{}).Expired(now) {
		t.Error("token without exp expired")
	}
}

func TestTokenStore(t *testing.T) {
	s := NewTokenStore(t.TempDir())

	creds, err := s.Load()
	if err != nil || creds != nil {
		t.Fatalf("Load on empty store = %v, %v", creds, err)
	}

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := signed(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "seller-3",
		ExpiresAt: jwt.NewNumericDate(exp),
	}})
	saved, err := s.SaveToken(tok)
	if err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	if saved.Identity != "seller-3" || saved.ExpiresAt != exp.Unix() {
		t.Errorf("saved = %+v", saved)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Token != tok || !s.IsValid(loaded) {
		t.Errorf("loaded = %+v", loaded)
	}

	loaded.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	if s.IsValid(loaded) {
		t.Error("expired credentials reported valid")
	}

	if err := s.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}
