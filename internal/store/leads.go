// ABOUTME: Read access to CRM leads for message reconciliation.
// ABOUTME: Lead CRUD lives in the main CRM service; the gateway reads and seeds.

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertLead creates a lead row and returns its ID.
func (s *SQLiteStore) InsertLead(ctx context.Context, lead *Lead) (int64, error) {
	query := `INSERT INTO leads (tenant_id, name, phone) VALUES (?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query, lead.TenantID, lead.Name, lead.Phone)
	if err != nil {
		return 0, fmt.Errorf("inserting lead: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting lead id: %w", err)
	}
	lead.ID = id
	return id, nil
}

// ListLeads returns all leads for a tenant.
func (s *SQLiteStore) ListLeads(ctx context.Context, tenantID int64) ([]*Lead, error) {
	query := `SELECT id, tenant_id, name, phone FROM leads WHERE tenant_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying leads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var leads []*Lead
	for rows.Next() {
		var lead Lead
		if err := rows.Scan(&lead.ID, &lead.TenantID, &lead.Name, &lead.Phone); err != nil {
			return nil, fmt.Errorf("scanning lead row: %w", err)
		}
		leads = append(leads, &lead)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lead rows: %w", err)
	}
	return leads, nil
}

// FindLeadByPhone returns the lead whose stored phone equals the normalized
// phone exactly. Fuzzy matching belongs to the reconciler, not the store.
// Returns ErrNotFound when no lead matches.
func (s *SQLiteStore) FindLeadByPhone(ctx context.Context, tenantID int64, normalizedPhone string) (*Lead, error) {
	query := `SELECT id, tenant_id, name, phone FROM leads WHERE tenant_id = ? AND phone = ? LIMIT 1`

	var lead Lead
	err := s.db.QueryRowContext(ctx, query, tenantID, normalizedPhone).Scan(
		&lead.ID, &lead.TenantID, &lead.Name, &lead.Phone,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying lead by phone: %w", err)
	}
	return &lead, nil
}
