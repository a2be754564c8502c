// ABOUTME: Protocol client contract consumed by the session registry.
// ABOUTME: Four methods, four event kinds; protocol internals stay behind this boundary.

package session

import (
	"context"
	"errors"
	"time"
)

// Registry errors surfaced to callers. Everything else (reconnect churn,
// subscriber write failures) is handled internally.
var (
	// ErrNotConnected is returned by Send while the tenant's session is
	// not in the Connected state.
	ErrNotConnected = errors.New("whatsapp not connected")

	// ErrPairingRequired indicates the tenant has no stored identity and
	// must complete the QR pairing flow.
	ErrPairingRequired = errors.New("pairing required")
)

// DisconnectReason distinguishes a terminal logout from a transient close.
type DisconnectReason string

const (
	// ReasonTransient marks a recoverable close; the registry reconnects.
	ReasonTransient DisconnectReason = "transient"

	// ReasonLoggedOut marks a terminal close (credentials revoked on the
	// phone, stream replaced by another pairing). No reconnect.
	ReasonLoggedOut DisconnectReason = "logged_out"
)

// Event is a typed protocol event. The adapter emits events on a channel
// rather than invoking listeners, so per-tenant ordering and backpressure
// are explicit.
type Event interface {
	isEvent()
}

// PairingCode carries a fresh pairing payload for the QR flow.
type PairingCode struct {
	// Code is a data URL with the rendered QR image.
	Code string
}

// StatusChanged reports a connection state transition.
type StatusChanged struct {
	Status Status
	Phone  string           // set when Status is Connected
	Reason DisconnectReason // set when Status is Disconnected
}

// MessageReceived carries one inbound (or self-sent) message.
type MessageReceived struct {
	Phone      string // normalized counterparty phone
	Content    string
	ExternalID string
	FromMe     bool
	Timestamp  time.Time
}

// ContactsUpdated carries a batch of synced contacts.
type ContactsUpdated struct {
	Contacts []ContactInfo
}

// ContactInfo is one synced contact.
type ContactInfo struct {
	Phone string
	Name  string
}

func (PairingCode) isEvent()     {}
func (StatusChanged) isEvent()   {}
func (MessageReceived) isEvent() {}
func (ContactsUpdated) isEvent() {}

// Client owns exactly one physical connection to the messaging network for
// one tenant, re-hydrated from durable credentials at dial time.
type Client interface {
	// Connect establishes the physical connection. Idempotent; a no-op
	// when already connected.
	Connect(ctx context.Context) error

	// Send delivers a text message and returns the network message ID.
	// Returns ErrNotConnected while the connection is down.
	Send(ctx context.Context, phone, text string) (string, error)

	// Logout terminates the connection and invalidates the pairing on the
	// network side. The subsequent StatusChanged event carries
	// ReasonLoggedOut.
	Logout(ctx context.Context) error

	// Disconnect closes the physical connection without invalidating the
	// pairing.
	Disconnect()

	// Events returns the client's event channel. The client closes it
	// after the connection is fully torn down.
	Events() <-chan Event
}

// Dialer creates protocol clients. The registry dials a fresh client for
// every session instance, including automatic reconnects.
type Dialer interface {
	Dial(ctx context.Context, tenantID int64) (Client, error)
}

// Sink receives message and contact events for persistence. Implemented by
// the ingestion layer; the registry only routes.
type Sink interface {
	HandleMessage(ctx context.Context, tenantID int64, msg MessageReceived)
	HandleContacts(ctx context.Context, tenantID int64, contacts []ContactInfo)
}
