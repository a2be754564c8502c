// ABOUTME: Ingestion layer persisting WhatsApp traffic and fanning it out to subscribers.
// ABOUTME: Deduplicates by network message ID and links messages to known leads on insert.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neondash/wagateway/internal/dedupe"
	"github.com/neondash/wagateway/internal/push"
	"github.com/neondash/wagateway/internal/reconcile"
	"github.com/neondash/wagateway/internal/session"
	"github.com/neondash/wagateway/internal/store"
)

// Push event names emitted by the ingestor.
const (
	EventNewMessage      = "new_message"
	EventContactsUpdated = "contacts_updated"
)

// dedupeTTL covers the window in which the network replays recent messages
// after a reconnect. Older replays fall through to the durable check.
const (
	dedupeTTL     = 10 * time.Minute
	dedupeMaxSize = 10000
)

// Ingestor receives protocol traffic from live sessions, persists it, and
// broadcasts it. It is the single write path for messages and contacts.
type Ingestor struct {
	messages store.MessageStore
	contacts store.ContactStore
	leads    store.LeadStore
	events   *push.Broadcaster
	recent   *dedupe.Cache
	logger   *slog.Logger
}

var _ session.Sink = (*Ingestor)(nil)

// New creates an Ingestor. logger may be nil for the default.
func New(messages store.MessageStore, contacts store.ContactStore, leads store.LeadStore, events *push.Broadcaster, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		messages: messages,
		contacts: contacts,
		leads:    leads,
		events:   events,
		recent:   dedupe.New(dedupeTTL, dedupeMaxSize),
		logger:   logger.With("component", "ingest"),
	}
}

// HandleMessage persists one message received over a session. Duplicates
// (replays of an ID already ingested) are dropped silently. Messages the
// device's owner sent from another client arrive with FromMe set and are
// recorded as outbound.
func (i *Ingestor) HandleMessage(ctx context.Context, tenantID int64, ev session.MessageReceived) {
	if ev.ExternalID != "" && i.isDuplicate(ctx, tenantID, ev.ExternalID) {
		i.logger.Debug("dropping duplicate message",
			"tenant_id", tenantID, "external_id", ev.ExternalID)
		return
	}

	direction := store.DirectionInbound
	if ev.FromMe {
		direction = store.DirectionOutbound
	}

	msg := &store.Message{
		TenantID:   tenantID,
		Phone:      reconcile.Normalize(ev.Phone),
		Direction:  direction,
		Content:    ev.Content,
		ExternalID: ev.ExternalID,
		Status:     store.StatusDelivered,
		CreatedAt:  ev.Timestamp,
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	i.attachLead(ctx, msg)

	if _, err := i.messages.InsertMessage(ctx, msg); err != nil {
		i.logger.Error("failed to persist message",
			"tenant_id", tenantID, "external_id", ev.ExternalID, "error", err)
		return
	}

	i.events.BroadcastConversation(tenantID, msg.Phone, EventNewMessage, msg)
}

// HandleContacts upserts the session's contact roster and notifies
// subscribers once per batch.
func (i *Ingestor) HandleContacts(ctx context.Context, tenantID int64, contacts []session.ContactInfo) {
	if len(contacts) == 0 {
		return
	}

	stored := 0
	for _, c := range contacts {
		phone := reconcile.Normalize(c.Phone)
		if phone == "" {
			continue
		}
		err := i.contacts.UpsertContact(ctx, &store.Contact{
			TenantID: tenantID,
			Phone:    phone,
			Name:     c.Name,
		})
		if err != nil {
			i.logger.Error("failed to upsert contact",
				"tenant_id", tenantID, "phone", phone, "error", err)
			continue
		}
		stored++
	}

	if stored == 0 {
		return
	}
	i.logger.Info("contacts updated", "tenant_id", tenantID, "count", stored)
	i.events.Broadcast(tenantID, EventContactsUpdated, map[string]any{
		"count": stored,
	})
}

// RecordOutbound persists a message sent through the API and returns the
// stored row. The network ID is marked seen so the device's own echo of the
// send is not ingested a second time.
func (i *Ingestor) RecordOutbound(ctx context.Context, tenantID int64, phone, content, externalID string) (*store.Message, error) {
	msg := &store.Message{
		TenantID:   tenantID,
		Phone:      reconcile.Normalize(phone),
		Direction:  store.DirectionOutbound,
		Content:    content,
		ExternalID: externalID,
		Status:     store.StatusSent,
		CreatedAt:  time.Now().UTC(),
	}
	i.attachLead(ctx, msg)

	if _, err := i.messages.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persisting outbound message: %w", err)
	}
	if externalID != "" {
		i.recent.CheckAndMark(dedupe.Key(tenantID, externalID))
	}

	i.events.BroadcastConversation(tenantID, msg.Phone, EventNewMessage, msg)
	return msg, nil
}

// Close releases the dedupe cache's background sweeper.
func (i *Ingestor) Close() {
	i.recent.Close()
}

// isDuplicate consults the in-memory cache first and falls back to the
// durable store for replays older than the cache TTL.
func (i *Ingestor) isDuplicate(ctx context.Context, tenantID int64, externalID string) bool {
	if i.recent.CheckAndMark(dedupe.Key(tenantID, externalID)) {
		return true
	}
	seen, err := i.messages.HasExternalMessage(ctx, tenantID, externalID)
	if err != nil {
		// Worst case here is a duplicate row, which the conversation
		// view tolerates; dropping a real message would not be.
		i.logger.Error("duplicate check failed",
			"tenant_id", tenantID, "external_id", externalID, "error", err)
		return false
	}
	return seen
}

// attachLead links the message to its lead when exactly one lead owns the
// phone number. Unmatched messages stay orphaned for the reconciler.
func (i *Ingestor) attachLead(ctx context.Context, msg *store.Message) {
	lead, err := i.leads.FindLeadByPhone(ctx, msg.TenantID, msg.Phone)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			i.logger.Error("lead lookup failed",
				"tenant_id", msg.TenantID, "phone", msg.Phone, "error", err)
		}
		return
	}
	msg.LeadID = &lead.ID
}
