// ABOUTME: Tenant profile persistence for connection state display and restore.
// ABOUTME: Written by the session registry, read by dashboards and startup restore.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EnsureTenant creates the tenant row if it does not exist yet.
func (s *SQLiteStore) EnsureTenant(ctx context.Context, tenantID int64, name string) error {
	query := `
		INSERT INTO tenants (id, name, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, tenantID, name, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("ensuring tenant %d: %w", tenantID, err)
	}
	return nil
}

// SetConnectionState persists the tenant's connection snapshot.
func (s *SQLiteStore) SetConnectionState(ctx context.Context, tenantID int64, state ConnectionState) error {
	connected := 0
	if state.Connected {
		connected = 1
	}

	var connectedAtRaw string
	if state.ConnectedAt != nil {
		connectedAtRaw = state.ConnectedAt.UTC().Format(time.RFC3339)
	}
	connectedAt := nullString(connectedAtRaw)

	query := `
		INSERT INTO tenants (id, wa_connected, wa_phone, wa_connected_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			wa_connected = excluded.wa_connected,
			wa_phone = excluded.wa_phone,
			wa_connected_at = excluded.wa_connected_at,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		tenantID,
		connected,
		state.Phone,
		connectedAt,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("setting connection state for tenant %d: %w", tenantID, err)
	}

	s.logger.Debug("persisted connection state",
		"tenant_id", tenantID, "connected", state.Connected, "phone", state.Phone)
	return nil
}

// GetConnectionState returns the persisted snapshot. A tenant without a row
// reports disconnected rather than ErrNotFound: absence of state is a state.
func (s *SQLiteStore) GetConnectionState(ctx context.Context, tenantID int64) (ConnectionState, error) {
	query := `SELECT wa_connected, wa_phone, wa_connected_at FROM tenants WHERE id = ?`

	var connected int
	var phone string
	var connectedAt sql.NullString

	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&connected, &phone, &connectedAt)
	if err == sql.ErrNoRows {
		return ConnectionState{}, nil
	}
	if err != nil {
		return ConnectionState{}, fmt.Errorf("querying connection state: %w", err)
	}

	state := ConnectionState{
		Connected: connected != 0,
		Phone:     phone,
	}
	if connectedAt.Valid {
		if parsed, err := time.Parse(time.RFC3339, connectedAt.String); err == nil {
			state.ConnectedAt = &parsed
		}
	}
	return state, nil
}

// ListConnectedTenants returns the IDs of tenants whose profile says
// connected. Used on startup to restore sessions after a process restart.
func (s *SQLiteStore) ListConnectedTenants(ctx context.Context) ([]int64, error) {
	query := `SELECT id FROM tenants WHERE wa_connected = 1 ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying connected tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenant rows: %w", err)
	}
	return ids, nil
}
