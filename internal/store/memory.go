package store

import (
	"context"
	"sync"
	"time"

	"github.com/postflow-hq/postflow/internal/platform"
)

// MemoryStore is an in-memory Store implementation suitable for development,
// tests, and single-instance deployments. Multi-instance deployments need a
// shared backend (PostgresStore); process-local state cannot honor the
// single-consume guarantee across instances.
type MemoryStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	states map[string]*AuthorizationState
	tokens map[string]*TokenRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store. A non-positive TTL falls
// back to StateTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = StateTTL
	}
	return &MemoryStore{
		ttl:    ttl,
		states: make(map[string]*AuthorizationState),
		tokens: make(map[string]*TokenRecord),
	}
}

// CreateState implements StateStore.
func (s *MemoryStore) CreateState(_ context.Context, userID, projectID string, p platform.Platform, pkceVerifier string) (string, error) {
	token, err := generateStateToken()
	if err != nil {
		return "", err
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[token] = &AuthorizationState{
		Token:        token,
		UserID:       userID,
		ProjectID:    projectID,
		Platform:     p,
		PKCEVerifier: pkceVerifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
	}
	return token, nil
}

// ConsumeState implements StateStore. The mutex makes read-and-delete atomic;
// an expired-but-present record is deleted and reported as not found, exactly
// like an absent one.
func (s *MemoryStore) ConsumeState(_ context.Context, token string) (*AuthorizationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[token]
	if !ok {
		return nil, ErrStateNotFound
	}
	delete(s.states, token)
	if time.Now().After(state.ExpiresAt) {
		return nil, ErrStateNotFound
	}
	return state, nil
}

// SweepExpiredStates implements StateStore.
func (s *MemoryStore) SweepExpiredStates(_ context.Context) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, state := range s.states {
		if now.After(state.ExpiresAt) {
			delete(s.states, token)
			removed++
		}
	}
	return removed, nil
}

// SaveToken implements TokenStore.
func (s *MemoryStore) SaveToken(_ context.Context, rec *TokenRecord) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if existing, ok := s.tokens[tokenKey(rec.Platform, rec.ProjectID)]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.tokens[tokenKey(rec.Platform, rec.ProjectID)] = &cp
	return nil
}

// GetToken implements TokenStore.
func (s *MemoryStore) GetToken(_ context.Context, p platform.Platform, projectID string) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[tokenKey(p, projectID)]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *rec
	return &cp, nil
}

// DeleteToken implements TokenStore.
func (s *MemoryStore) DeleteToken(_ context.Context, p platform.Platform, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, tokenKey(p, projectID))
	return nil
}

// ListTokens implements TokenStore.
func (s *MemoryStore) ListTokens(_ context.Context, projectID string) ([]*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*TokenRecord, 0, len(s.tokens))
	for _, rec := range s.tokens {
		if rec.ProjectID == projectID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}
