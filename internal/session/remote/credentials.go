package remote

import (
	"context"
	"sync"
	"time"
)

// Credentials is an anonymous identity issued by the session API.
type Credentials struct {
	UserID       string    `json:"userId"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// CredentialStore persists credentials between runs. LoadCredentials returns nil, nil
// when nothing is stored.
type CredentialStore interface {
	LoadCredentials(ctx context.Context) (*Credentials, error)
	SaveCredentials(ctx context.Context, c *Credentials) error
}

// MemoryCredentials keeps credentials for the life of the process.
type MemoryCredentials struct {
	mu    sync.Mutex
	creds *Credentials
}

// LoadCredentials returns a copy of the stored credentials.
func (m *MemoryCredentials) LoadCredentials(context.Context) (*Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return nil, nil
	}
	c := *m.creds
	return &c, nil
}

// SaveCredentials stores a copy of c.
func (m *MemoryCredentials) SaveCredentials(_ context.Context, c *Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.creds = &cp
	return nil
}

var _ CredentialStore = (*MemoryCredentials)(nil)
