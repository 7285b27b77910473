package memory

import (
	"context"
	"sync"
	"time"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/ports/adapter"
)

var _ adapter.CredentialSource = (*CredentialStore)(nil)

type credential struct {
	token     string
	expiresAt time.Time
}

// CredentialStore keeps delegated access tokens in memory.
type CredentialStore struct {
	mu   sync.RWMutex
	rows map[string]credential
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{rows: make(map[string]credential)}
}

// Put stores a token; a zero expiresAt never expires.
func (s *CredentialStore) Put(userID, provider, token string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[userID+"/"+provider] = credential{token: token, expiresAt: expiresAt}
}

func (s *CredentialStore) AccessToken(_ context.Context, userID, provider string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.rows[userID+"/"+provider]
	if !ok || c.token == "" {
		return "", domain.ErrNotConnected
	}
	if !c.expiresAt.IsZero() && time.Now().After(c.expiresAt) {
		return "", domain.ErrNotConnected
	}
	return c.token, nil
}

// Store mirrors the Postgres credential repository; a nil expiresAt never expires.
func (s *CredentialStore) Store(_ context.Context, userID, provider, token string, expiresAt *time.Time) error {
	if userID == "" || provider == "" || token == "" {
		return domain.ErrInvalidArgument
	}
	var exp time.Time
	if expiresAt != nil {
		exp = *expiresAt
	}
	s.Put(userID, provider, token, exp)
	return nil
}
