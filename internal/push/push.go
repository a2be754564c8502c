// ABOUTME: In-memory fan-out of tenant events to live web clients.
// ABOUTME: Registers push transports per tenant and delivers events best-effort.

package push

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Transport is a live, long-held connection to one web client. Write
// delivers a named event with a JSON-serializable payload.
//
// Delivery is at-most-once: a write failure means the client is gone or
// going, and the broadcaster will NOT retry or unsubscribe on its behalf.
// The owner of the transport must call Unsubscribe from its own close
// notification (for HTTP streams, the request context), otherwise the
// subscriber leaks.
type Transport interface {
	Write(event string, payload any) error
}

// subscriber pairs a transport with an optional conversation filter.
type subscriber struct {
	transport Transport
	phone     string // normalized conversation phone; empty = all events
}

// Broadcaster delivers tenant-scoped events to subscribed transports.
// It is process-local: a multi-process deployment needs sticky routing
// per tenant in front of it.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[int64]map[string]*subscriber // tenantID -> subID -> subscriber
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[int64]map[string]*subscriber),
		logger:      logger.With("component", "push"),
	}
}

// Subscribe registers a transport for a tenant's events and returns a
// subscription ID for Unsubscribe. If phoneFilter is non-empty, the
// subscriber only receives conversation events for that normalized phone.
// The new subscriber immediately receives a synthetic "connected" event;
// nobody else does.
func (b *Broadcaster) Subscribe(tenantID int64, transport Transport, phoneFilter string) string {
	subID := uuid.New().String()

	b.mu.Lock()
	if _, ok := b.subscribers[tenantID]; !ok {
		b.subscribers[tenantID] = make(map[string]*subscriber)
	}
	b.subscribers[tenantID][subID] = &subscriber{transport: transport, phone: phoneFilter}
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"tenant_id", tenantID, "sub_id", subID, "phone_filter", phoneFilter)

	// Acknowledge to the new subscriber only.
	b.write(tenantID, subID, transport, "connected", map[string]int64{"tenantId": tenantID})

	return subID
}

// Unsubscribe removes a subscription. Safe to call twice.
func (b *Broadcaster) Unsubscribe(tenantID int64, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[tenantID]
	if !ok {
		return
	}
	if _, exists := subs[subID]; !exists {
		return
	}

	delete(subs, subID)
	if len(subs) == 0 {
		delete(b.subscribers, tenantID)
	}

	b.logger.Debug("subscriber removed", "tenant_id", tenantID, "sub_id", subID)
}

// Broadcast delivers a tenant-wide event (connection updates, sync
// progress) to every subscriber of the tenant regardless of filter.
// Broadcasting to a tenant with zero subscribers is a no-op.
func (b *Broadcaster) Broadcast(tenantID int64, event string, payload any) {
	b.deliver(tenantID, "", event, payload)
}

// BroadcastConversation delivers a conversation-scoped event. Subscribers
// with a phone filter only receive it when the filter matches the
// conversation's normalized phone.
func (b *Broadcaster) BroadcastConversation(tenantID int64, phone, event string, payload any) {
	b.deliver(tenantID, phone, event, payload)
}

func (b *Broadcaster) deliver(tenantID int64, phone, event string, payload any) {
	b.mu.RLock()
	subs, ok := b.subscribers[tenantID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	// Copy targets under read lock to avoid holding it during writes.
	type target struct {
		id        string
		transport Transport
	}
	targets := make([]target, 0, len(subs))
	for id, sub := range subs {
		if phone != "" && sub.phone != "" && sub.phone != phone {
			continue
		}
		targets = append(targets, target{id: id, transport: sub.transport})
	}
	b.mu.RUnlock()

	for _, tgt := range targets {
		b.write(tenantID, tgt.id, tgt.transport, event, payload)
	}
}

// write performs one fire-and-forget delivery. Failures are swallowed: the
// broken transport cleans itself up via its close notification.
func (b *Broadcaster) write(tenantID int64, subID string, transport Transport, event string, payload any) {
	if err := transport.Write(event, payload); err != nil {
		b.logger.Debug("dropped event for failed transport",
			"tenant_id", tenantID, "sub_id", subID, "event", event, "error", err)
	}
}

// SubscriberCount returns how many subscribers a tenant has.
func (b *Broadcaster) SubscriberCount(tenantID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscribers[tenantID])
}

// TotalSubscribers returns the number of subscribers across all tenants.
func (b *Broadcaster) TotalSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, subs := range b.subscribers {
		total += len(subs)
	}
	return total
}
