// Package credential persists the session token issued by the PushLab backend.
// Only the session manager writes to a Store; the gateway reads from it.
package credential

import (
	"context"
	"errors"
	"sync"
)

// Store errors.
var (
	ErrNotFound   = errors.New("no session token stored")
	ErrEmptyToken = errors.New("session token is empty")
)

// Store holds a single opaque session token.
type Store interface {
	// Get returns the stored token or ErrNotFound.
	Get(ctx context.Context) (string, error)

	// Save replaces the stored token.
	Save(ctx context.Context, token string) error

	// Delete removes the stored token. Deleting an empty store is not an error.
	Delete(ctx context.Context) error
}

// MemoryStore keeps the token in process memory. Intended for tests.
type MemoryStore struct {
	mu    sync.RWMutex
	token string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get returns the stored token.
func (s *MemoryStore) Get(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == "" {
		return "", ErrNotFound
	}
	return s.token, nil
}

// Save stores the token.
func (s *MemoryStore) Save(_ context.Context, token string) error {
	if token == "" {
		return ErrEmptyToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

// Delete clears the token.
func (s *MemoryStore) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

// HasToken reports whether the store currently holds a token.
func HasToken(ctx context.Context, s Store) bool {
	_, err := s.Get(ctx)
	return err == nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
)
