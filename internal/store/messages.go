// ABOUTME: WhatsApp message log persistence with orphan tracking.
// ABOUTME: Supports insertion, dedupe probes, and lead linkage updates.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// InsertMessage persists a message row and returns its ID.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = StatusDelivered
	}

	var leadID sql.NullInt64
	if msg.LeadID != nil {
		leadID = sql.NullInt64{Int64: *msg.LeadID, Valid: true}
	}

	query := `
		INSERT INTO wa_messages (id, tenant_id, lead_id, phone, direction, content, external_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.TenantID,
		leadID,
		msg.Phone,
		msg.Direction,
		msg.Content,
		msg.ExternalID,
		msg.Status,
		msg.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("inserted message",
		"id", msg.ID, "tenant_id", msg.TenantID, "direction", msg.Direction, "phone", msg.Phone)
	return msg.ID, nil
}

// HasExternalMessage reports whether a message with the given external
// network ID already exists for the tenant.
func (s *SQLiteStore) HasExternalMessage(ctx context.Context, tenantID int64, externalID string) (bool, error) {
	if externalID == "" {
		return false, nil
	}

	query := `SELECT 1 FROM wa_messages WHERE tenant_id = ? AND external_id = ? LIMIT 1`

	var one int
	err := s.db.QueryRowContext(ctx, query, tenantID, externalID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probing external message: %w", err)
	}
	return true, nil
}

// ListOrphanMessages returns every message for the tenant with no lead link.
func (s *SQLiteStore) ListOrphanMessages(ctx context.Context, tenantID int64) ([]*Message, error) {
	query := `
		SELECT id, tenant_id, lead_id, phone, direction, content, external_id, status, created_at
		FROM wa_messages
		WHERE tenant_id = ? AND lead_id IS NULL
		ORDER BY created_at
	`
	return s.queryMessages(ctx, query, tenantID)
}

// ListMessagesByPhone returns the tenant's messages for one conversation.
func (s *SQLiteStore) ListMessagesByPhone(ctx context.Context, tenantID int64, phone string) ([]*Message, error) {
	query := `
		SELECT id, tenant_id, lead_id, phone, direction, content, external_id, status, created_at
		FROM wa_messages
		WHERE tenant_id = ? AND phone = ?
		ORDER BY created_at
	`
	return s.queryMessages(ctx, query, tenantID, phone)
}

// ListMessages returns all messages for a tenant, newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, tenantID int64) ([]*Message, error) {
	query := `
		SELECT id, tenant_id, lead_id, phone, direction, content, external_id, status, created_at
		FROM wa_messages
		WHERE tenant_id = ?
		ORDER BY created_at DESC
	`
	return s.queryMessages(ctx, query, tenantID)
}

// LinkMessageToLead sets the lead link on a message row.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) LinkMessageToLead(ctx context.Context, messageID string, leadID int64) error {
	query := `UPDATE wa_messages SET lead_id = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, leadID, messageID)
	if err != nil {
		return fmt.Errorf("linking message to lead: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("linked message to lead", "message_id", messageID, "lead_id", leadID)
	return nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var msg Message
	var leadID sql.NullInt64
	var createdAt string

	if err := rows.Scan(
		&msg.ID,
		&msg.TenantID,
		&leadID,
		&msg.Phone,
		&msg.Direction,
		&msg.Content,
		&msg.ExternalID,
		&msg.Status,
		&createdAt,
	); err != nil {
		return nil, fmt.Errorf("scanning message row: %w", err)
	}

	if leadID.Valid {
		msg.LeadID = &leadID.Int64
	}
	if parsed, err := time.Parse(time.RFC3339, createdAt); err != nil {
		slog.Warn("failed to parse message created_at", "id", msg.ID, "error", err)
	} else {
		msg.CreatedAt = parsed
	}
	return &msg, nil
}
