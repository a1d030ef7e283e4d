package paypal

import (
	"context"
	"sync"
	"time"
)

// MemoryTokenCache keeps the access token in process memory. It is the client
// default when no shared cache is configured.
type MemoryTokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

// NewMemoryTokenCache returns an empty MemoryTokenCache.
func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{now: time.Now}
}

// GetToken returns the stored token, or "" when none is stored or it has expired.
func (m *MemoryTokenCache) GetToken(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" || !m.now().Before(m.expiresAt) {
		return "", nil
	}
	return m.token, nil
}

// SetToken stores the token until ttl elapses.
func (m *MemoryTokenCache) SetToken(_ context.Context, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.expiresAt = m.now().Add(ttl)
	return nil
}
