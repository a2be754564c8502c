// ABOUTME: Dialer producing whatsmeow-backed protocol clients for tenants.
// ABOUTME: Maps tenants to device identities through the credential store.

package wameow

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"go.mau.fi/whatsmeow"
	wstore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/neondash/wagateway/internal/credstore"
	"github.com/neondash/wagateway/internal/session"
)

// Dialer creates one protocol client per Dial call. Device key material
// lives in whatsmeow's own tables inside the shared database; the
// credential store carries the tenant-to-device mapping on top.
type Dialer struct {
	container *sqlstore.Container
	creds     credstore.Store
	logger    *slog.Logger
	waLogger  waLog.Logger
}

var _ session.Dialer = (*Dialer)(nil)

// NewDialer wraps the shared database handle with whatsmeow's device store
// and runs its migrations. The dialect is always sqlite3 syntax; the handle
// itself may come from any sqlite driver.
func NewDialer(db *sql.DB, creds credstore.Store, logger *slog.Logger) (*Dialer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "wameow")

	waLogger := newWALogger(logger)
	container := sqlstore.NewWithDB(db, "sqlite3", waLogger)
	if err := container.Upgrade(); err != nil {
		return nil, fmt.Errorf("migrating device store: %w", err)
	}

	return &Dialer{
		container: container,
		creds:     creds,
		logger:    logger,
		waLogger:  waLogger,
	}, nil
}

// Dial builds a client for the tenant, resuming the stored device identity
// when one exists and provisioning a fresh device (pairing required)
// otherwise.
func (d *Dialer) Dial(ctx context.Context, tenantID int64) (session.Client, error) {
	device, err := d.deviceFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	wa := whatsmeow.NewClient(device, d.waLogger.Sub(fmt.Sprintf("tenant-%d", tenantID)))
	// The registry owns the reconnect policy.
	wa.EnableAutoReconnect = false

	return newClient(tenantID, wa, d.creds, d.logger), nil
}

// deviceFor resolves the tenant's whatsmeow device. A stored identity whose
// device row vanished (external cleanup, partial logout) degrades to a
// fresh pairing rather than an error.
func (d *Dialer) deviceFor(ctx context.Context, tenantID int64) (*wstore.Device, error) {
	raw, ok, err := d.creds.Read(ctx, tenantID, credstore.IdentityKey)
	if err != nil {
		// Persistence failures degrade to a fresh pairing instead of
		// taking the session down with them.
		d.logger.Error("failed to read identity, starting fresh pairing",
			"tenant_id", tenantID, "error", err)
		return d.container.NewDevice(), nil
	}
	if !ok {
		return d.container.NewDevice(), nil
	}

	jid, ok := identityJID(raw)
	if !ok {
		d.logger.Warn("stored identity is malformed, starting fresh pairing",
			"tenant_id", tenantID)
		return d.container.NewDevice(), nil
	}

	device, err := d.container.GetDevice(jid)
	if err != nil || device == nil {
		d.logger.Warn("stored device not found, starting fresh pairing",
			"tenant_id", tenantID, "jid", jid.String(), "error", err)
		return d.container.NewDevice(), nil
	}
	return device, nil
}

// identityJID extracts the device JID from a stored identity entry.
func identityJID(raw []byte) (types.JID, bool) {
	decoded, err := credstore.Decode(raw)
	if err != nil {
		return types.JID{}, false
	}
	fields, ok := decoded.(map[string]any)
	if !ok {
		return types.JID{}, false
	}
	jidStr, ok := fields["jid"].(string)
	if !ok || jidStr == "" {
		return types.JID{}, false
	}
	jid, err := types.ParseJID(jidStr)
	if err != nil {
		return types.JID{}, false
	}
	return jid, true
}
