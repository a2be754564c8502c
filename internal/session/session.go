// ABOUTME: Per-tenant session state machine holding status, pairing code and client.
// ABOUTME: One live Session per tenant; the registry is the sole owner.

package session

import (
	"context"
	"sync"
)

// Status is the lifecycle state of a tenant's session.
type Status string

const (
	StatusDisconnected    Status = "disconnected"
	StatusConnecting      Status = "connecting"
	StatusAwaitingPairing Status = "awaiting_pairing"
	StatusConnected       Status = "connected"
	StatusLoggedOut       Status = "logged_out"
)

// StatusInfo is the caller-facing connection snapshot.
type StatusInfo struct {
	Connected   bool   `json:"connected"`
	Status      Status `json:"status"`
	PairingCode string `json:"pairingCode,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

// Session is one tenant's live connection state. Created by Connect,
// destroyed by Logout, replaced (new instance, same tenant) on automatic
// reconnect after a transient disconnect.
type Session struct {
	TenantID int64

	mu          sync.RWMutex
	status      Status
	pairingCode string
	phone       string

	client Client
	cancel context.CancelFunc // stops the event pump and any pending reconnect
}

func newSession(tenantID int64, client Client, cancel context.CancelFunc) *Session {
	return &Session{
		TenantID: tenantID,
		status:   StatusConnecting,
		client:   client,
		cancel:   cancel,
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Snapshot returns the caller-facing view of the session.
func (s *Session) Snapshot() StatusInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StatusInfo{
		Connected:   s.status == StatusConnected,
		Status:      s.status,
		PairingCode: s.pairingCode,
		Phone:       s.phone,
	}
}

// live reports whether the session is still progressing toward, or holding,
// a connection. A live session makes Connect a no-op.
func (s *Session) live() bool {
	switch s.Status() {
	case StatusConnecting, StatusAwaitingPairing, StatusConnected:
		return true
	default:
		return false
	}
}

func (s *Session) setPairingCode(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = StatusAwaitingPairing
	s.pairingCode = code
}

func (s *Session) setConnected(phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = StatusConnected
	s.pairingCode = ""
	s.phone = phone
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = status
	if status != StatusAwaitingPairing {
		s.pairingCode = ""
	}
}
