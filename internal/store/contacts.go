// ABOUTME: Synced WhatsApp contact persistence keyed by (tenant, phone).
// ABOUTME: Contacts arrive in bulk from the protocol layer's contact events.

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// UpsertContact creates or refreshes a contact keyed by (tenant_id, phone).
func (s *SQLiteStore) UpsertContact(ctx context.Context, contact *Contact) error {
	if contact.ID == "" {
		contact.ID = uuid.New().String()
	}
	if contact.SyncedAt.IsZero() {
		contact.SyncedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO wa_contacts (id, tenant_id, phone, name, synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, phone) DO UPDATE SET
			name = excluded.name,
			synced_at = excluded.synced_at
	`
	_, err := s.db.ExecContext(ctx, query,
		contact.ID,
		contact.TenantID,
		contact.Phone,
		contact.Name,
		contact.SyncedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting contact: %w", err)
	}
	return nil
}

// ListContacts returns all synced contacts for a tenant.
func (s *SQLiteStore) ListContacts(ctx context.Context, tenantID int64) ([]*Contact, error) {
	query := `
		SELECT id, tenant_id, phone, name, synced_at
		FROM wa_contacts
		WHERE tenant_id = ?
		ORDER BY name, phone
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying contacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var contacts []*Contact
	for rows.Next() {
		var contact Contact
		var syncedAt string

		if err := rows.Scan(
			&contact.ID,
			&contact.TenantID,
			&contact.Phone,
			&contact.Name,
			&syncedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning contact row: %w", err)
		}

		if parsed, err := time.Parse(time.RFC3339, syncedAt); err != nil {
			slog.Warn("failed to parse contact synced_at", "id", contact.ID, "error", err)
		} else {
			contact.SyncedAt = parsed
		}
		contacts = append(contacts, &contact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating contact rows: %w", err)
	}
	return contacts, nil
}
