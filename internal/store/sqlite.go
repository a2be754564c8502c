// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides tenant/message/contact/lead persistence with automatic schema creation.

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tenants (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			wa_connected INTEGER NOT NULL DEFAULT 0,
			wa_phone TEXT NOT NULL DEFAULT '',
			wa_connected_at TEXT,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS wa_messages (
			id TEXT PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			lead_id INTEGER,
			phone TEXT NOT NULL,
			direction TEXT NOT NULL,
			content TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'delivered',
			created_at TEXT NOT NULL,

			CHECK (direction IN ('inbound', 'outbound'))
		);

		CREATE INDEX IF NOT EXISTS idx_wa_messages_tenant
			ON wa_messages(tenant_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_wa_messages_orphans
			ON wa_messages(tenant_id) WHERE lead_id IS NULL;

		CREATE INDEX IF NOT EXISTS idx_wa_messages_external
			ON wa_messages(tenant_id, external_id);

		CREATE TABLE IF NOT EXISTS wa_contacts (
			id TEXT PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			phone TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			synced_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_wa_contacts_tenant_phone
			ON wa_contacts(tenant_id, phone);

		CREATE TABLE IF NOT EXISTS leads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_leads_tenant ON leads(tenant_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle so sibling stores (credentials, the
// protocol device container) can share one database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullString converts an empty string to a NULL-able sql value
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*SQLiteStore)(nil)
