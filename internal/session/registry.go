// ABOUTME: Session registry owning one WhatsApp session per tenant.
// ABOUTME: Serializes per-tenant lifecycle operations and drives automatic reconnects.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/neondash/wagateway/internal/credstore"
	"github.com/neondash/wagateway/internal/push"
	"github.com/neondash/wagateway/internal/store"
)

// EventConnectionUpdate is the push event name for status transitions.
const EventConnectionUpdate = "connection_update"

// defaultReconnectDelay spaces automatic reconnect attempts. The adapter's
// own dial latency is the primary throttle; this keeps a refused dial from
// tightening into a storm.
const defaultReconnectDelay = 5 * time.Second

// restoreConcurrency bounds parallel session restores on startup.
const restoreConcurrency = 4

// Registry owns every live Session. All state-changing operations for a
// single tenant are serialized through a per-tenant lock; different tenants
// never contend beyond the registry map itself.
type Registry struct {
	dialer    Dialer
	creds     credstore.Store
	profiles  store.TenantStore
	events    *push.Broadcaster
	sink      Sink
	logger    *slog.Logger

	// ReconnectDelay is the pause before an automatic reconnect attempt.
	ReconnectDelay time.Duration

	mu       sync.RWMutex
	sessions map[int64]*Session
	locks    map[int64]*sync.Mutex
}

// NewRegistry creates a Registry. sink may be nil when no ingestion layer
// is attached (tests); logger nil for default.
func NewRegistry(dialer Dialer, creds credstore.Store, profiles store.TenantStore, events *push.Broadcaster, sink Sink, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dialer:         dialer,
		creds:          creds,
		profiles:       profiles,
		events:         events,
		sink:           sink,
		logger:         logger.With("component", "session"),
		ReconnectDelay: defaultReconnectDelay,
		sessions:       make(map[int64]*Session),
		locks:          make(map[int64]*sync.Mutex),
	}
}

// tenantLock returns the serialization lock for one tenant, creating it on
// first use. Tenant locks are never removed; they are two words each.
func (r *Registry) tenantLock(tenantID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[tenantID] = lock
	}
	return lock
}

// current returns the tenant's session, or nil.
func (r *Registry) current(tenantID int64) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[tenantID]
}

// Connect establishes (or re-establishes) the tenant's session. A no-op
// while a live session is connecting, awaiting pairing, or connected.
func (r *Registry) Connect(ctx context.Context, tenantID int64) error {
	lock := r.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	return r.connectLocked(ctx, tenantID)
}

// connectLocked is Connect's body; the caller holds the tenant lock.
func (r *Registry) connectLocked(ctx context.Context, tenantID int64) error {
	if existing := r.current(tenantID); existing != nil {
		if existing.live() {
			return nil
		}
		// Stale (disconnected) instance: stop its pump before replacing.
		existing.cancel()
	}

	client, err := r.dialer.Dial(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("dialing protocol client for tenant %d: %w", tenantID, err)
	}

	// The session outlives the triggering request; its context is cut
	// from the registry, not the caller.
	sessCtx, cancel := context.WithCancel(context.Background())
	sess := newSession(tenantID, client, cancel)

	r.mu.Lock()
	r.sessions[tenantID] = sess
	r.mu.Unlock()

	go r.pump(sessCtx, sess)

	// Broadcast before the adapter call: a fast adapter can emit a
	// pairing code mid-Connect, and subscribers must see connecting
	// first.
	r.logger.Info("session connecting", "tenant_id", tenantID)
	r.events.Broadcast(tenantID, EventConnectionUpdate, map[string]any{
		"status": StatusConnecting,
	})

	if err := client.Connect(ctx); err != nil {
		r.removeSession(sess)
		cancel()
		r.events.Broadcast(tenantID, EventConnectionUpdate, map[string]any{
			"status": StatusDisconnected,
		})
		return fmt.Errorf("connecting tenant %d: %w", tenantID, err)
	}
	return nil
}

// pump drains the client's typed event channel for one session instance.
// It is the only goroutine that applies protocol events to the session, so
// per-tenant transitions reach subscribers in emission order.
func (r *Registry) pump(ctx context.Context, sess *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sess.client.Events():
			if !ok {
				return
			}
			r.handleEvent(ctx, sess, ev)
		}
	}
}

func (r *Registry) handleEvent(ctx context.Context, sess *Session, ev Event) {
	tenantID := sess.TenantID

	switch ev := ev.(type) {
	case PairingCode:
		sess.setPairingCode(ev.Code)
		r.events.Broadcast(tenantID, EventConnectionUpdate, map[string]any{
			"status": StatusAwaitingPairing,
			"qr":     ev.Code,
		})

	case StatusChanged:
		switch ev.Status {
		case StatusConnected:
			r.handleConnected(ctx, sess, ev.Phone)
		case StatusDisconnected:
			r.handleDisconnected(ctx, sess, ev.Reason)
		}

	case MessageReceived:
		if r.sink != nil {
			r.sink.HandleMessage(ctx, tenantID, ev)
		}

	case ContactsUpdated:
		if r.sink != nil {
			r.sink.HandleContacts(ctx, tenantID, ev.Contacts)
		}
	}
}

func (r *Registry) handleConnected(ctx context.Context, sess *Session, phone string) {
	sess.setConnected(phone)

	now := time.Now().UTC()
	if err := r.profiles.SetConnectionState(ctx, sess.TenantID, store.ConnectionState{
		Connected:   true,
		Phone:       phone,
		ConnectedAt: &now,
	}); err != nil {
		// The live session is healthy; a stale dashboard flag is the
		// lesser failure.
		r.logger.Error("failed to persist connected state",
			"tenant_id", sess.TenantID, "error", err)
	}

	r.logger.Info("session connected", "tenant_id", sess.TenantID, "phone", phone)
	r.events.Broadcast(sess.TenantID, EventConnectionUpdate, map[string]any{
		"status": StatusConnected,
		"phone":  phone,
	})
}

func (r *Registry) handleDisconnected(ctx context.Context, sess *Session, reason DisconnectReason) {
	tenantID := sess.TenantID

	if reason == ReasonLoggedOut {
		// Terminal: the pairing was revoked on the network side.
		r.logger.Info("session logged out by network", "tenant_id", tenantID)
		if err := r.finalizeLogout(ctx, tenantID, false); err != nil {
			r.logger.Error("logout cleanup failed", "tenant_id", tenantID, "error", err)
		}
		return
	}

	sess.setStatus(StatusDisconnected)
	r.logger.Info("session disconnected, scheduling reconnect", "tenant_id", tenantID)
	r.events.Broadcast(tenantID, EventConnectionUpdate, map[string]any{
		"status": StatusDisconnected,
	})

	// Reconnect from a fresh goroutine so the pump keeps draining any
	// trailing events. The session context pre-empts it on logout.
	go r.reconnect(ctx, tenantID)
}

// reconnect waits out the backoff delay and re-establishes the session,
// unless the session was logged out (context cancelled) in the meantime.
func (r *Registry) reconnect(ctx context.Context, tenantID int64) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(r.ReconnectDelay):
	}

	lock := r.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	// A logout can win the lock between the timer firing and here; it
	// cancels the session context under this same lock, so re-check
	// before dialing a pairing session for a logged-out tenant.
	if ctx.Err() != nil {
		return
	}

	if err := r.connectLocked(context.Background(), tenantID); err != nil {
		r.logger.Error("automatic reconnect failed", "tenant_id", tenantID, "error", err)
	}
}

// Send delivers a text message through the tenant's connected session and
// returns the network message ID.
func (r *Registry) Send(ctx context.Context, tenantID int64, phone, text string) (string, error) {
	sess := r.current(tenantID)
	if sess == nil {
		return "", ErrNotConnected
	}
	switch sess.Status() {
	case StatusConnected:
		return sess.client.Send(ctx, phone, text)
	case StatusAwaitingPairing:
		return "", ErrPairingRequired
	default:
		return "", ErrNotConnected
	}
}

// Disconnect closes the tenant's physical connection without purging
// credentials; Status will later resume it from the stored identity.
func (r *Registry) Disconnect(ctx context.Context, tenantID int64) error {
	lock := r.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	sess := r.current(tenantID)
	if sess != nil {
		sess.cancel()
		sess.client.Disconnect()
		sess.setStatus(StatusDisconnected)
		r.removeSession(sess)
	}

	if err := r.profiles.SetConnectionState(ctx, tenantID, store.ConnectionState{}); err != nil {
		return fmt.Errorf("persisting disconnected state: %w", err)
	}

	r.events.Broadcast(tenantID, EventConnectionUpdate, map[string]any{
		"status": StatusDisconnected,
	})
	return nil
}

// Logout terminally ends the tenant's session: physical connection closed,
// session removed, all credential entries purged, profile marked
// disconnected. Always terminal regardless of state; safe without a
// session; pre-empts any in-flight reconnect.
func (r *Registry) Logout(ctx context.Context, tenantID int64) error {
	return r.finalizeLogout(ctx, tenantID, true)
}

func (r *Registry) finalizeLogout(ctx context.Context, tenantID int64, logoutClient bool) error {
	lock := r.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	// The triggering context is often the session's own pump context,
	// cancelled just below; cleanup must still reach the stores.
	ctx = context.WithoutCancel(ctx)

	sess := r.current(tenantID)
	if sess != nil {
		// Cancel first: a scheduled reconnect must never win over logout.
		sess.cancel()
		if logoutClient {
			if err := sess.client.Logout(ctx); err != nil {
				r.logger.Warn("protocol logout failed, continuing cleanup",
					"tenant_id", tenantID, "error", err)
			}
		}
		sess.setStatus(StatusLoggedOut)
		r.removeSession(sess)
	}

	// Credential purge is the part of logout the caller must know about:
	// leftovers would resurrect the session on the next Status call.
	if err := r.creds.Clear(ctx, tenantID); err != nil {
		return fmt.Errorf("clearing credentials for tenant %d: %w", tenantID, err)
	}

	if err := r.profiles.SetConnectionState(ctx, tenantID, store.ConnectionState{}); err != nil {
		r.logger.Error("failed to persist disconnected state",
			"tenant_id", tenantID, "error", err)
	}

	r.logger.Info("session logged out", "tenant_id", tenantID)
	r.events.Broadcast(tenantID, EventConnectionUpdate, map[string]any{
		"status": StatusDisconnected,
	})
	return nil
}

// Status reports the tenant's connection snapshot. A tenant with durable
// credentials but no in-memory session lost its session to a process
// restart: Status kicks off a best-effort reconnect and reports Connecting.
func (r *Registry) Status(ctx context.Context, tenantID int64) StatusInfo {
	if sess := r.current(tenantID); sess != nil {
		return sess.Snapshot()
	}

	has, err := r.creds.HasIdentity(ctx, tenantID)
	if err != nil {
		r.logger.Error("identity probe failed", "tenant_id", tenantID, "error", err)
	}
	if has {
		go func() {
			if err := r.Connect(context.Background(), tenantID); err != nil {
				r.logger.Error("resume after restart failed", "tenant_id", tenantID, "error", err)
			}
		}()
		return StatusInfo{Status: StatusConnecting}
	}

	return StatusInfo{Status: StatusDisconnected}
}

// RestorePersisted reconnects every tenant whose profile says connected.
// Called once on startup; failures mark the tenant disconnected instead of
// failing the boot.
func (r *Registry) RestorePersisted(ctx context.Context) error {
	ids, err := r.profiles.ListConnectedTenants(ctx)
	if err != nil {
		return fmt.Errorf("listing connected tenants: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	r.logger.Info("restoring persisted sessions", "count", len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(restoreConcurrency)
	for _, tenantID := range ids {
		tenantID := tenantID
		g.Go(func() error {
			if err := r.Connect(gctx, tenantID); err != nil {
				r.logger.Error("failed to restore session",
					"tenant_id", tenantID, "error", err)
				if err := r.profiles.SetConnectionState(gctx, tenantID, store.ConnectionState{}); err != nil {
					r.logger.Error("failed to mark tenant disconnected",
						"tenant_id", tenantID, "error", err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Close tears down every live session without touching credentials, so
// sessions resume on the next start.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[int64]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.cancel()
		sess.client.Disconnect()
	}
}

// removeSession deletes the session from the map if it is still the
// current instance for its tenant.
func (r *Registry) removeSession(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[sess.TenantID] == sess {
		delete(r.sessions, sess.TenantID)
	}
}
