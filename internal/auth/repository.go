package auth

import (
	"context"
	"sync"
	"time"
)

// InMemoryUserRepository is an in-memory UserRepository.
type InMemoryUserRepository struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewInMemoryUserRepository creates an empty repository.
func NewInMemoryUserRepository() *InMemoryUserRepository {
	return &InMemoryUserRepository{users: make(map[string]*User)}
}

// Create stores a copy of user.
func (r *InMemoryUserRepository) Create(_ context.Context, user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u := *user
	r.users[user.ID] = &u
	return nil
}

// FindByID finds a user by ID.
func (r *InMemoryUserRepository) FindByID(_ context.Context, id string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := *user
	return &u, nil
}

// InMemoryRefreshTokenRepository is an in-memory RefreshTokenRepository.
type InMemoryRefreshTokenRepository struct {
	mu     sync.RWMutex
	tokens map[string]*RefreshToken
	byUser map[string][]string
}

// NewInMemoryRefreshTokenRepository creates an empty repository.
func NewInMemoryRefreshTokenRepository() *InMemoryRefreshTokenRepository {
	return &InMemoryRefreshTokenRepository{
		tokens: make(map[string]*RefreshToken),
		byUser: make(map[string][]string),
	}
}

// Create stores a copy of token.
func (r *InMemoryRefreshTokenRepository) Create(_ context.Context, token *RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := *token
	r.tokens[token.TokenHash] = &t
	r.byUser[token.UserID] = append(r.byUser[token.UserID], token.TokenHash)
	return nil
}

// FindByHash finds a token by hash.
func (r *InMemoryRefreshTokenRepository) FindByHash(_ context.Context, hash string) (*RefreshToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	token, ok := r.tokens[hash]
	if !ok {
		return nil, ErrInvalidRefreshToken
	}
	t := *token
	return &t, nil
}

// Revoke marks a token revoked.
func (r *InMemoryRefreshTokenRepository) Revoke(_ context.Context, hash string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.tokens[hash]
	if !ok || token.RevokedAt != nil {
		return false, nil
	}
	token.RevokedAt = &at
	return true, nil
}

// RevokeAllForUser revokes every token of userID.
func (r *InMemoryRefreshTokenRepository) RevokeAllForUser(_ context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, hash := range r.byUser[userID] {
		if token, ok := r.tokens[hash]; ok && token.RevokedAt == nil {
			token.RevokedAt = &at
		}
	}
	return nil
}

var (
	_ UserRepository         = (*InMemoryUserRepository)(nil)
	_ RefreshTokenRepository = (*InMemoryRefreshTokenRepository)(nil)
)
