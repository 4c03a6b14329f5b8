package session

import (
	"context"
	"sync"
	"time"
)

// KeyStore maps session keys to principal ids. It is the fast path in
// front of the session table; a key deleted here is dead regardless of
// row state.
type KeyStore interface {
	Get(ctx context.Context, key string) (int64, bool, error)
	Set(ctx context.Context, key string, principalID int64, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type memEntry struct {
	principalID int64
	expiresAt   time.Time
}

// MemKeyStore is an in-process KeyStore for tests and single-node
// deployments without Redis.
type MemKeyStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemKeyStore() *MemKeyStore {
	return &MemKeyStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

func (m *MemKeyStore) Get(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return 0, false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return 0, false, nil
	}
	return e.principalID, true, nil
}

func (m *MemKeyStore) Set(_ context.Context, key string, principalID int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{principalID: principalID}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemKeyStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}
