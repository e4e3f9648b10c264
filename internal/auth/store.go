package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Credentials is the bearer token saved by `chatctl login`.
type Credentials struct {
	Token     string `yaml:"token"`
	Identity  string `yaml:"identity"`
	ExpiresAt int64  `yaml:"expires_at,omitempty"`
	SavedAt   int64  `yaml:"saved_at"`
}

type TokenStore struct {
	Dir string
}

func NewTokenStore(dir string) *TokenStore {
	return &TokenStore{Dir: dir}
}

func (s *TokenStore) path() string {
	return filepath.Join(s.Dir, "credentials.yaml")
}

// SaveToken derives the identity and expiry from token and stores it.
func (s *TokenStore) SaveToken(token string) (*Credentials, error) {
	claims, err := ParseUnverified(token)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, ErrNoSubject
	}
	creds := &Credentials{Token: token, Identity: claims.Subject, SavedAt: time.Now().Unix()}
	if claims.ExpiresAt != nil {
		creds.ExpiresAt = claims.ExpiresAt.Unix()
	}
	if err := s.Save(creds); err != nil {
		return nil, err
	}
	return creds, nil
}

func (s *TokenStore) Save(creds *Credentials) error {
	data, err := yaml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0700); err != nil {
		return fmt.Errorf("create %s: %w", s.Dir, err)
	}
	if err := os.WriteFile(s.path(), data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Load returns the saved credentials, or nil if none were saved.
func (s *TokenStore) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &creds, nil
}

func (s *TokenStore) Delete() error {
	err := os.Remove(s.path())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

// IsValid reports whether creds exist and have not expired.
func (s *TokenStore) IsValid(creds *Credentials) bool {
	if creds == nil || creds.Token == "" {
		return false
	}
	if creds.ExpiresAt == 0 {
		return true
	}
	return time.Now().Unix() < creds.ExpiresAt
}
