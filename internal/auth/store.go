package auth

import (
	"context"
	"sync"

	"esi-search-proxy/internal/model"
)

// TokenStore holds the most recently issued token per key. Load returns
// (nil, nil) when nothing is stored.
type TokenStore interface {
	Load(ctx context.Context, key string) (*model.AccessToken, error)
	Save(ctx context.Context, key string, tok *model.AccessToken) error
}

// MemoryStore is a process-local TokenStore.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]model.AccessToken
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]model.AccessToken)}
}

// Load returns a copy of the stored token.
func (s *MemoryStore) Load(_ context.Context, key string) (*model.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[key]
	if !ok {
		return nil, nil
	}
	return &tok, nil
}

// Save overwrites the token stored under key.
func (s *MemoryStore) Save(_ context.Context, key string, tok *model.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = *tok
	return nil
}
