// ABOUTME: whatsmeow-backed implementation of the session protocol client.
// ABOUTME: Translates raw protocol events into the typed session event stream.

package wameow

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/neondash/wagateway/internal/credstore"
	"github.com/neondash/wagateway/internal/reconcile"
	"github.com/neondash/wagateway/internal/session"
)

// eventBuffer sizes the typed event channel. Protocol handlers must never
// block; events beyond the buffer are dropped with a log line.
const eventBuffer = 64

const qrImageSize = 256

type client struct {
	tenantID int64
	wa       *whatsmeow.Client
	creds    credstore.Store
	events   chan session.Event
	logger   *slog.Logger

	lifeCtx  context.Context
	lifeStop context.CancelFunc
}

var _ session.Client = (*client)(nil)

func newClient(tenantID int64, wa *whatsmeow.Client, creds credstore.Store, logger *slog.Logger) *client {
	lifeCtx, lifeStop := context.WithCancel(context.Background())
	c := &client{
		tenantID: tenantID,
		wa:       wa,
		creds:    creds,
		events:   make(chan session.Event, eventBuffer),
		logger:   logger.With("tenant_id", tenantID),
		lifeCtx:  lifeCtx,
		lifeStop: lifeStop,
	}
	wa.AddEventHandler(c.handleEvent)
	return c
}

// Connect opens the websocket. An unpaired device additionally starts the
// QR pairing flow; codes stream out as PairingCode events until the phone
// scans one or the pairing window expires.
func (c *client) Connect(ctx context.Context) error {
	if c.wa.Store.ID == nil {
		qrChan, err := c.wa.GetQRChannel(c.lifeCtx)
		if err != nil {
			return fmt.Errorf("opening pairing channel: %w", err)
		}
		go c.pumpQR(qrChan)
	}

	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("connecting websocket: %w", err)
	}
	return nil
}

func (c *client) Send(ctx context.Context, phone, text string) (string, error) {
	if !c.wa.IsConnected() {
		return "", session.ErrNotConnected
	}

	jid := types.NewJID(reconcile.Normalize(phone), types.DefaultUserServer)
	resp, err := c.wa.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("sending to %s: %w", jid.String(), err)
	}
	return string(resp.ID), nil
}

func (c *client) Logout(ctx context.Context) error {
	defer c.lifeStop()
	// whatsmeow deletes the device row from its own tables as part of
	// logout; the identity entry is cleared by the caller.
	if err := c.wa.Logout(); err != nil {
		return fmt.Errorf("protocol logout: %w", err)
	}
	return nil
}

func (c *client) Disconnect() {
	c.lifeStop()
	c.wa.Disconnect()
}

func (c *client) Events() <-chan session.Event {
	return c.events
}

// emit delivers an event without ever blocking a protocol handler. After
// Disconnect the consumer is gone and events are dropped.
func (c *client) emit(ev session.Event) {
	select {
	case <-c.lifeCtx.Done():
	case c.events <- ev:
	default:
		c.logger.Warn("event buffer full, dropping event", "event", fmt.Sprintf("%T", ev))
	}
}

// pumpQR converts pairing codes into PNG data URLs the dashboard can show
// directly in an img tag.
func (c *client) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			dataURL, err := qrDataURL(item.Code)
			if err != nil {
				c.logger.Error("failed to render pairing code", "error", err)
				continue
			}
			c.emit(session.PairingCode{Code: dataURL})
		case "success":
			// PairSuccess carries the identity; nothing to do here.
		case "timeout":
			// The pairing window expired without a scan. Treat it as
			// terminal so the registry does not loop generating codes
			// nobody is looking at; reconnecting restarts pairing.
			c.logger.Info("pairing window expired")
			c.emit(session.StatusChanged{
				Status: session.StatusDisconnected,
				Reason: session.ReasonLoggedOut,
			})
		}
	}
}

func (c *client) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		c.storeIdentity(evt.ID)

	case *events.Connected:
		phone := ""
		if c.wa.Store.ID != nil {
			phone = c.wa.Store.ID.User
		}
		c.emit(session.StatusChanged{Status: session.StatusConnected, Phone: phone})
		go c.syncContacts()

	case *events.Disconnected:
		c.emit(session.StatusChanged{
			Status: session.StatusDisconnected,
			Reason: session.ReasonTransient,
		})

	case *events.StreamReplaced:
		// Another client took over the websocket; the pairing is intact.
		c.emit(session.StatusChanged{
			Status: session.StatusDisconnected,
			Reason: session.ReasonTransient,
		})

	case *events.LoggedOut:
		c.emit(session.StatusChanged{
			Status: session.StatusDisconnected,
			Reason: session.ReasonLoggedOut,
		})

	case *events.Message:
		c.handleMessage(evt)
	}
}

// storeIdentity records the paired device JID so later process lives can
// resolve the tenant back to this device.
func (c *client) storeIdentity(jid types.JID) {
	value, err := credstore.Encode(map[string]any{"jid": jid.String()})
	if err != nil {
		c.logger.Error("failed to encode identity", "error", err)
		return
	}
	err = c.creds.WriteBatch(context.Background(), c.tenantID, []credstore.Write{
		{Key: credstore.IdentityKey, Value: value},
	})
	if err != nil {
		c.logger.Error("failed to persist identity", "error", err)
		return
	}
	c.logger.Info("device paired", "jid", jid.String())
}

func (c *client) handleMessage(evt *events.Message) {
	// Only direct chats feed the conversation view; groups, broadcast
	// lists and status updates are out.
	if evt.Info.Chat.Server != types.DefaultUserServer {
		return
	}

	text := extractText(evt.Message)
	if text == "" {
		return
	}

	phone := evt.Info.Chat.User
	if !evt.Info.IsFromMe {
		phone = evt.Info.Sender.User
	}

	c.emit(session.MessageReceived{
		Phone:      phone,
		Content:    text,
		ExternalID: string(evt.Info.ID),
		FromMe:     evt.Info.IsFromMe,
		Timestamp:  evt.Info.Timestamp,
	})
}

// syncContacts pushes the device's contact roster into the event stream.
// Runs once per successful connection.
func (c *client) syncContacts() {
	all, err := c.wa.Store.Contacts.GetAllContacts()
	if err != nil {
		c.logger.Error("failed to load contact roster", "error", err)
		return
	}

	contacts := make([]session.ContactInfo, 0, len(all))
	for jid, info := range all {
		if jid.Server != types.DefaultUserServer {
			continue
		}
		name := info.FullName
		if name == "" {
			name = info.PushName
		}
		contacts = append(contacts, session.ContactInfo{
			Phone: jid.User,
			Name:  name,
		})
	}
	if len(contacts) == 0 {
		return
	}
	c.emit(session.ContactsUpdated{Contacts: contacts})
}

// extractText pulls the plain text out of the message envelope. Media and
// reaction payloads yield an empty string.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	return msg.GetExtendedTextMessage().GetText()
}

// qrDataURL renders a pairing code as an inline PNG.
func qrDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", fmt.Errorf("encoding qr image: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
