// ABOUTME: Store interface and data types for wagateway persistence.
// ABOUTME: Defines tenant profile, message, contact and lead types plus the Store contract.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Message direction constants
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message status constants
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
)

// ConnectionState is the durable per-tenant connection snapshot shown in
// dashboards. It is written by the session registry, never by callers.
type ConnectionState struct {
	Connected   bool
	Phone       string
	ConnectedAt *time.Time
}

// Tenant represents a customer account. Session and credential state is
// partitioned by Tenant.ID everywhere else in the system.
type Tenant struct {
	ID          int64
	Name        string
	Connected   bool
	Phone       string
	ConnectedAt *time.Time
	UpdatedAt   time.Time
}

// Message represents a persisted WhatsApp message row. LeadID is nil until
// reconciliation links the message to a CRM lead.
type Message struct {
	ID         string
	TenantID   int64
	LeadID     *int64
	Phone      string
	Direction  string // "inbound" or "outbound"
	Content    string
	ExternalID string
	Status     string
	CreatedAt  time.Time
}

// Contact is a synced WhatsApp contact for a tenant.
type Contact struct {
	ID       string
	TenantID int64
	Phone    string
	Name     string
	SyncedAt time.Time
}

// Lead is the minimal CRM lead projection the core needs for reconciliation.
type Lead struct {
	ID       int64
	TenantID int64
	Name     string
	Phone    string
}

// TenantStore persists per-tenant profile state.
type TenantStore interface {
	EnsureTenant(ctx context.Context, tenantID int64, name string) error
	SetConnectionState(ctx context.Context, tenantID int64, state ConnectionState) error
	GetConnectionState(ctx context.Context, tenantID int64) (ConnectionState, error)
	ListConnectedTenants(ctx context.Context) ([]int64, error)
}

// MessageStore persists the WhatsApp message log.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *Message) (string, error)
	HasExternalMessage(ctx context.Context, tenantID int64, externalID string) (bool, error)
	ListOrphanMessages(ctx context.Context, tenantID int64) ([]*Message, error)
	ListMessagesByPhone(ctx context.Context, tenantID int64, phone string) ([]*Message, error)
	ListMessages(ctx context.Context, tenantID int64) ([]*Message, error)
	LinkMessageToLead(ctx context.Context, messageID string, leadID int64) error
}

// ContactStore persists synced WhatsApp contacts.
type ContactStore interface {
	UpsertContact(ctx context.Context, contact *Contact) error
	ListContacts(ctx context.Context, tenantID int64) ([]*Contact, error)
}

// LeadStore reads CRM leads for reconciliation. Lead CRUD itself lives
// outside this service; the gateway only reads and seeds test data.
type LeadStore interface {
	InsertLead(ctx context.Context, lead *Lead) (int64, error)
	ListLeads(ctx context.Context, tenantID int64) ([]*Lead, error)
	FindLeadByPhone(ctx context.Context, tenantID int64, normalizedPhone string) (*Lead, error)
}

// Store is the full persistence contract.
type Store interface {
	TenantStore
	MessageStore
	ContactStore
	LeadStore

	Close() error
}
