// ABOUTME: In-memory Store implementation for testing.
// ABOUTME: Allows session and handler tests to run without SQLite.

package credstore

import (
	"context"
	"sync"
)

// MockStore is an in-memory credential store for tests.
type MockStore struct {
	mu      sync.RWMutex
	entries map[int64]map[string][]byte
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{entries: make(map[int64]map[string][]byte)}
}

// Read returns the stored value for (tenantID, key).
func (m *MockStore) Read(ctx context.Context, tenantID int64, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.entries[tenantID][key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

// WriteBatch applies upserts and tombstones.
func (m *MockStore) WriteBatch(ctx context.Context, tenantID int64, writes []Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range writes {
		if w.Value == nil {
			delete(m.entries[tenantID], w.Key)
			continue
		}
		if m.entries[tenantID] == nil {
			m.entries[tenantID] = make(map[string][]byte)
		}
		value := make([]byte, len(w.Value))
		copy(value, w.Value)
		m.entries[tenantID][w.Key] = value
	}
	return nil
}

// Clear removes all entries for the tenant.
func (m *MockStore) Clear(ctx context.Context, tenantID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, tenantID)
	return nil
}

// HasIdentity reports whether the primary credential entry exists.
func (m *MockStore) HasIdentity(ctx context.Context, tenantID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.entries[tenantID][IdentityKey]
	return ok, nil
}

// Count returns the number of entries stored for a tenant.
func (m *MockStore) Count(tenantID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries[tenantID])
}

var _ Store = (*MockStore)(nil)
