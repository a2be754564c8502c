// ABOUTME: Tests for the ingestion layer.
// ABOUTME: Covers persistence, dedupe, lead linking, contact upserts, and fan-out.

package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neondash/wagateway/internal/push"
	"github.com/neondash/wagateway/internal/session"
	"github.com/neondash/wagateway/internal/store"
)

type recordingTransport struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingTransport) Write(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingTransport) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func setupTestIngestor(t *testing.T) (*Ingestor, *store.MockStore, *recordingTransport) {
	t.Helper()

	mock := store.NewMockStore()
	events := push.NewBroadcaster(nil)
	transport := &recordingTransport{}
	events.Subscribe(1, transport, "")

	ing := New(mock, mock, mock, events, nil)
	t.Cleanup(ing.Close)
	return ing, mock, transport
}

func TestHandleMessagePersistsInbound(t *testing.T) {
	ing, mock, transport := setupTestIngestor(t)
	ctx := context.Background()

	ing.HandleMessage(ctx, 1, session.MessageReceived{
		Phone:      "5511912345678",
		Content:    "oi",
		ExternalID: "WAMID-1",
		Timestamp:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})

	msgs, err := mock.ListMessages(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.DirectionInbound, msgs[0].Direction)
	assert.Equal(t, "5511912345678", msgs[0].Phone)
	assert.Equal(t, "WAMID-1", msgs[0].ExternalID)
	assert.Nil(t, msgs[0].LeadID, "no lead for this phone yet")
	assert.Equal(t, 1, transport.count(EventNewMessage))
}

func TestHandleMessageDropsDuplicates(t *testing.T) {
	ing, mock, transport := setupTestIngestor(t)
	ctx := context.Background()

	ev := session.MessageReceived{Phone: "5511912345678", Content: "oi", ExternalID: "WAMID-1"}
	ing.HandleMessage(ctx, 1, ev)
	ing.HandleMessage(ctx, 1, ev)
	ing.HandleMessage(ctx, 1, ev)

	msgs, err := mock.ListMessages(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, 1, transport.count(EventNewMessage))
}

func TestHandleMessageDurableDuplicateCheck(t *testing.T) {
	ing, mock, _ := setupTestIngestor(t)
	ctx := context.Background()

	// Pre-existing row from a previous process life; the in-memory cache
	// knows nothing about it.
	_, err := mock.InsertMessage(ctx, &store.Message{
		TenantID: 1, Phone: "5511912345678", Direction: store.DirectionInbound,
		Content: "oi", ExternalID: "WAMID-OLD", Status: store.StatusDelivered,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	ing.HandleMessage(ctx, 1, session.MessageReceived{
		Phone: "5511912345678", Content: "oi", ExternalID: "WAMID-OLD",
	})

	msgs, err := mock.ListMessages(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestHandleMessageWithoutExternalIDAlwaysStored(t *testing.T) {
	ing, mock, _ := setupTestIngestor(t)
	ctx := context.Background()

	ev := session.MessageReceived{Phone: "5511912345678", Content: "oi"}
	ing.HandleMessage(ctx, 1, ev)
	ing.HandleMessage(ctx, 1, ev)

	msgs, err := mock.ListMessages(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "messages without a network ID cannot be deduplicated")
}

func TestHandleMessageLinksKnownLead(t *testing.T) {
	ing, mock, _ := setupTestIngestor(t)
	ctx := context.Background()

	leadID, err := mock.InsertLead(ctx, &store.Lead{
		TenantID: 1, Name: "Ana", Phone: "5511912345678",
	})
	require.NoError(t, err)

	ing.HandleMessage(ctx, 1, session.MessageReceived{
		Phone: "5511912345678", Content: "oi", ExternalID: "WAMID-1",
	})

	msgs, err := mock.ListMessages(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].LeadID)
	assert.Equal(t, leadID, *msgs[0].LeadID)
}

func TestHandleMessageFromMeIsOutbound(t *testing.T) {
	ing, mock, _ := setupTestIngestor(t)
	ctx := context.Background()

	ing.HandleMessage(ctx, 1, session.MessageReceived{
		Phone: "5511912345678", Content: "respondi do celular",
		ExternalID: "WAMID-2", FromMe: true,
	})

	msgs, err := mock.ListMessages(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.DirectionOutbound, msgs[0].Direction)
}

func TestRecordOutboundSuppressesEcho(t *testing.T) {
	ing, mock, transport := setupTestIngestor(t)
	ctx := context.Background()

	msg, err := ing.RecordOutbound(ctx, 1, "5511912345678", "ola", "WAMID-SENT")
	require.NoError(t, err)
	assert.Equal(t, store.DirectionOutbound, msg.Direction)
	assert.Equal(t, store.StatusSent, msg.Status)

	// The device echoes the send back over the event stream.
	ing.HandleMessage(ctx, 1, session.MessageReceived{
		Phone: "5511912345678", Content: "ola",
		ExternalID: "WAMID-SENT", FromMe: true,
	})

	msgs, err := mock.ListMessages(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, 1, transport.count(EventNewMessage))
}

func TestHandleContactsUpsertsAndBroadcasts(t *testing.T) {
	ing, mock, transport := setupTestIngestor(t)
	ctx := context.Background()

	ing.HandleContacts(ctx, 1, []session.ContactInfo{
		{Phone: "5511912345678", Name: "Ana"},
		{Phone: "5511987654321", Name: "Bruno"},
		{Phone: "", Name: "sem numero"},
	})

	contacts, err := mock.ListContacts(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, contacts, 2)
	assert.Equal(t, 1, transport.count(EventContactsUpdated))
}

func TestHandleContactsEmptyBatchIsNoOp(t *testing.T) {
	ing, _, transport := setupTestIngestor(t)

	ing.HandleContacts(context.Background(), 1, nil)
	assert.Equal(t, 0, transport.count(EventContactsUpdated))
}

func TestConversationFilterReceivesOnlyItsPhone(t *testing.T) {
	ing, _, _ := setupTestIngestor(t)

	events := push.NewBroadcaster(nil)
	filtered := &recordingTransport{}
	events.Subscribe(1, filtered, "5511912345678")
	ing.events = events

	ctx := context.Background()
	ing.HandleMessage(ctx, 1, session.MessageReceived{
		Phone: "5511912345678", Content: "pra mim", ExternalID: "WAMID-A",
	})
	ing.HandleMessage(ctx, 1, session.MessageReceived{
		Phone: "5511999998888", Content: "pra outro", ExternalID: "WAMID-B",
	})

	assert.Equal(t, 1, filtered.count(EventNewMessage))
}
