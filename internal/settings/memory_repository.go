package settings

import (
	"context"
	"sync"
)

// InMemoryRepository is an in-memory Repository.
type InMemoryRepository struct {
	mu       sync.RWMutex
	settings *Settings
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{}
}

// Load returns the stored settings or ErrNotFound.
func (r *InMemoryRepository) Load(_ context.Context) (*Settings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.settings == nil {
		return nil, ErrNotFound
	}
	s := *r.settings
	return &s, nil
}

// Save stores a copy of s.
func (r *InMemoryRepository) Save(_ context.Context, s *Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *s
	r.settings = &c
	return nil
}

var _ Repository = (*InMemoryRepository)(nil)
