// ABOUTME: Mock Store implementation for testing.
// ABOUTME: Allows tests to run without SQLite.

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	tenants  map[int64]*Tenant
	messages map[string]*Message   // keyed by message ID
	contacts map[int64][]*Contact  // keyed by tenant ID
	leads    map[int64][]*Lead     // keyed by tenant ID
	nextLead int64

	// FailSetConnectionState makes SetConnectionState return this error.
	FailSetConnectionState error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tenants:  make(map[int64]*Tenant),
		messages: make(map[string]*Message),
		contacts: make(map[int64][]*Contact),
		leads:    make(map[int64][]*Lead),
	}
}

// EnsureTenant creates the tenant row if missing.
func (m *MockStore) EnsureTenant(ctx context.Context, tenantID int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[tenantID]; !ok {
		m.tenants[tenantID] = &Tenant{ID: tenantID, Name: name, UpdatedAt: time.Now().UTC()}
	}
	return nil
}

// SetConnectionState stores the connection snapshot.
func (m *MockStore) SetConnectionState(ctx context.Context, tenantID int64, state ConnectionState) error {
	if m.FailSetConnectionState != nil {
		return m.FailSetConnectionState
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tenant, ok := m.tenants[tenantID]
	if !ok {
		tenant = &Tenant{ID: tenantID}
		m.tenants[tenantID] = tenant
	}
	tenant.Connected = state.Connected
	tenant.Phone = state.Phone
	tenant.ConnectedAt = state.ConnectedAt
	tenant.UpdatedAt = time.Now().UTC()
	return nil
}

// GetConnectionState returns the stored snapshot, zero-valued when absent.
func (m *MockStore) GetConnectionState(ctx context.Context, tenantID int64) (ConnectionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenant, ok := m.tenants[tenantID]
	if !ok {
		return ConnectionState{}, nil
	}
	return ConnectionState{
		Connected:   tenant.Connected,
		Phone:       tenant.Phone,
		ConnectedAt: tenant.ConnectedAt,
	}, nil
}

// ListConnectedTenants returns IDs with a connected profile.
func (m *MockStore) ListConnectedTenants(ctx context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []int64
	for id, tenant := range m.tenants {
		if tenant.Connected {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// InsertMessage stores a message row.
func (m *MockStore) InsertMessage(ctx context.Context, msg *Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = StatusDelivered
	}

	stored := *msg
	m.messages[stored.ID] = &stored
	return stored.ID, nil
}

// HasExternalMessage probes for a stored external network ID.
func (m *MockStore) HasExternalMessage(ctx context.Context, tenantID int64, externalID string) (bool, error) {
	if externalID == "" {
		return false, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages {
		if msg.TenantID == tenantID && msg.ExternalID == externalID {
			return true, nil
		}
	}
	return false, nil
}

// ListOrphanMessages returns unlinked messages for a tenant.
func (m *MockStore) ListOrphanMessages(ctx context.Context, tenantID int64) ([]*Message, error) {
	return m.filterMessages(tenantID, func(msg *Message) bool { return msg.LeadID == nil }), nil
}

// ListMessagesByPhone returns one conversation's messages.
func (m *MockStore) ListMessagesByPhone(ctx context.Context, tenantID int64, phone string) ([]*Message, error) {
	return m.filterMessages(tenantID, func(msg *Message) bool { return msg.Phone == phone }), nil
}

// ListMessages returns all of a tenant's messages, newest first.
func (m *MockStore) ListMessages(ctx context.Context, tenantID int64) ([]*Message, error) {
	msgs := m.filterMessages(tenantID, func(*Message) bool { return true })
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.After(msgs[j].CreatedAt) })
	return msgs, nil
}

func (m *MockStore) filterMessages(tenantID int64, keep func(*Message) bool) []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for _, msg := range m.messages {
		if msg.TenantID != tenantID || !keep(msg) {
			continue
		}
		copied := *msg
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// LinkMessageToLead sets the lead link on a stored message.
func (m *MockStore) LinkMessageToLead(ctx context.Context, messageID string, leadID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	msg.LeadID = &leadID
	return nil
}

// UpsertContact creates or refreshes a contact.
func (m *MockStore) UpsertContact(ctx context.Context, contact *Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if contact.ID == "" {
		contact.ID = uuid.New().String()
	}
	if contact.SyncedAt.IsZero() {
		contact.SyncedAt = time.Now().UTC()
	}

	for i, existing := range m.contacts[contact.TenantID] {
		if existing.Phone == contact.Phone {
			copied := *contact
			copied.ID = existing.ID
			m.contacts[contact.TenantID][i] = &copied
			return nil
		}
	}
	copied := *contact
	m.contacts[contact.TenantID] = append(m.contacts[contact.TenantID], &copied)
	return nil
}

// ListContacts returns a tenant's contacts.
func (m *MockStore) ListContacts(ctx context.Context, tenantID int64) ([]*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Contact, 0, len(m.contacts[tenantID]))
	for _, contact := range m.contacts[tenantID] {
		copied := *contact
		out = append(out, &copied)
	}
	return out, nil
}

// InsertLead stores a lead row.
func (m *MockStore) InsertLead(ctx context.Context, lead *Lead) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextLead++
	lead.ID = m.nextLead
	copied := *lead
	m.leads[lead.TenantID] = append(m.leads[lead.TenantID], &copied)
	return lead.ID, nil
}

// ListLeads returns a tenant's leads.
func (m *MockStore) ListLeads(ctx context.Context, tenantID int64) ([]*Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Lead, 0, len(m.leads[tenantID]))
	for _, lead := range m.leads[tenantID] {
		copied := *lead
		out = append(out, &copied)
	}
	return out, nil
}

// FindLeadByPhone returns the lead with the exact stored phone.
func (m *MockStore) FindLeadByPhone(ctx context.Context, tenantID int64, normalizedPhone string) (*Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, lead := range m.leads[tenantID] {
		if lead.Phone == normalizedPhone {
			copied := *lead
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
