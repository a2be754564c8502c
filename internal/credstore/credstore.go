// ABOUTME: Durable per-tenant key/value storage for protocol credentials.
// ABOUTME: Backed by SQLite with per-key upserts and tombstone deletes.

package credstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// IdentityKey is the key under which a tenant's primary credential blob is
// stored. Its presence is the cheap probe for "this tenant has paired".
const IdentityKey = "creds"

// Write is a single entry in a batch. A nil Value is a tombstone: the key
// is deleted if present.
type Write struct {
	Key   string
	Value []byte
}

// Store is the durable credential storage contract consumed by the
// protocol layer. Values are opaque encoded blobs (see Encode/Decode).
type Store interface {
	// Read returns the stored value for (tenantID, key). A missing key, and
	// any read failure, yield (nil, false, nil): the caller degrades to
	// re-pairing rather than crashing.
	Read(ctx context.Context, tenantID int64, key string) (value []byte, ok bool, err error)

	// WriteBatch applies each write as an independent per-key upsert or
	// delete. There is no cross-key transaction; last write wins per key.
	WriteBatch(ctx context.Context, tenantID int64, writes []Write) error

	// Clear removes every entry for the tenant. Safe when none exist.
	Clear(ctx context.Context, tenantID int64) error

	// HasIdentity reports whether the tenant has a primary credential entry.
	HasIdentity(ctx context.Context, tenantID int64) (bool, error)
}

// SQLiteStore implements Store on a shared SQLite handle. It owns the
// wa_credentials table but not the connection.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates the credential store and its schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{
		db:     db,
		logger: slog.Default().With("component", "credstore"),
	}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("creating credential schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS wa_credentials (
			tenant_id INTEGER NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, key)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Read fetches a single credential entry. Read failures are logged and
// reported as absent so the protocol layer falls back to a fresh pairing.
func (s *SQLiteStore) Read(ctx context.Context, tenantID int64, key string) ([]byte, bool, error) {
	query := `SELECT value FROM wa_credentials WHERE tenant_id = ? AND key = ?`

	var value []byte
	err := s.db.QueryRowContext(ctx, query, tenantID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		s.logger.Error("credential read failed, treating as absent",
			"tenant_id", tenantID, "key", key, "error", err)
		return nil, false, nil
	}
	return value, true, nil
}

// WriteBatch applies upserts and tombstones one key at a time. A failed
// write is logged and returned so the protocol layer can decide to retry;
// remaining writes in the batch are still attempted.
func (s *SQLiteStore) WriteBatch(ctx context.Context, tenantID int64, writes []Write) error {
	var firstErr error
	for _, w := range writes {
		var err error
		if w.Value == nil {
			err = s.delete(ctx, tenantID, w.Key)
		} else {
			err = s.upsert(ctx, tenantID, w.Key, w.Value)
		}
		if err != nil {
			s.logger.Error("credential write failed",
				"tenant_id", tenantID, "key", w.Key, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *SQLiteStore) upsert(ctx context.Context, tenantID int64, key string, value []byte) error {
	query := `
		INSERT INTO wa_credentials (tenant_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, tenantID, key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting credential %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) delete(ctx context.Context, tenantID int64, key string) error {
	query := `DELETE FROM wa_credentials WHERE tenant_id = ? AND key = ?`
	if _, err := s.db.ExecContext(ctx, query, tenantID, key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// Clear drops every credential entry for the tenant. Used by logout.
func (s *SQLiteStore) Clear(ctx context.Context, tenantID int64) error {
	query := `DELETE FROM wa_credentials WHERE tenant_id = ?`
	if _, err := s.db.ExecContext(ctx, query, tenantID); err != nil {
		return fmt.Errorf("clearing credentials for tenant %d: %w", tenantID, err)
	}
	s.logger.Info("cleared credentials", "tenant_id", tenantID)
	return nil
}

// HasIdentity checks for the primary credential entry only.
func (s *SQLiteStore) HasIdentity(ctx context.Context, tenantID int64) (bool, error) {
	query := `SELECT 1 FROM wa_credentials WHERE tenant_id = ? AND key = ? LIMIT 1`

	var one int
	err := s.db.QueryRowContext(ctx, query, tenantID, IdentityKey).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		s.logger.Error("identity probe failed, treating as absent",
			"tenant_id", tenantID, "error", err)
		return false, nil
	}
	return true, nil
}

var _ Store = (*SQLiteStore)(nil)
