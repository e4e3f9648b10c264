package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSubject is returned for tokens that do not name a user.
var ErrNoSubject = errors.New("token has no subject")

// Claims are the fields the chat client reads from the marketplace bearer token.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// ParseUnverified decodes token without checking its signature. The messaging server verifies
// the token on connect; the client only needs the identity and expiry.
func ParseUnverified(token string) (*Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return &claims, nil
}

// Identity returns the chat identity carried by token: its subject.
func Identity(token string) (string, error) {
	claims, err := ParseUnverified(token)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", ErrNoSubject
	}
	return claims.Subject, nil
}

// Expired reports whether claims carry an expiry before now.
func (c *Claims) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(c.ExpiresAt.Time)
}
