// Package store provides storage backends for ShopFlow.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/ShopFlow/internal/models"
	"github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements the full Store interface.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN (a file path).
// The parent directory is created if needed and migrations are applied.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteStore failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteStore failed to open connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLiteStore ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteStore failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore migrations applied")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("SQLiteStore closing database connection")
	return s.db.Close()
}

// isSQLiteUniqueViolation reports whether err is a unique/primary key
// constraint failure.
func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

const conversationColumns = `id, tenant_id, phone, raw_phone, state, context, created_at, updated_at, last_activity_at`

func (s *SQLiteStore) GetConversationByPhones(tenantID string, phones []string) (*models.Conversation, error) {
	if len(phones) == 0 {
		return nil, nil
	}
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE tenant_id = ? AND phone IN (?` // #nosec G202 -- placeholders appended below
	args := []interface{}{tenantID, phones[0]}
	for _, p := range phones[1:] {
		query += ", ?"
		args = append(args, p)
	}
	query += `) ORDER BY created_at DESC LIMIT 1`

	row := s.db.QueryRow(query, args...)
	return scanConversationRow(row, tenantID)
}

func (s *SQLiteStore) GetConversationByPhoneSuffix(tenantID, suffix string) (*models.Conversation, error) {
	if suffix == "" {
		return nil, nil
	}
	row := s.db.QueryRow(
		`SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = ? AND phone LIKE ? ORDER BY created_at DESC LIMIT 1`,
		tenantID, "%"+suffix,
	)
	return scanConversationRow(row, tenantID)
}

func (s *SQLiteStore) CreateConversation(c models.Conversation) error {
	contextJSON, err := marshalContext(c.Context)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Phone, nilIfEmpty(c.RawPhone), nilIfEmpty(string(c.State)), contextJSON,
		c.CreatedAt, c.UpdatedAt, c.LastActivityAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.CreateConversation failed", "error", err, "tenantID", c.TenantID, "phone", c.Phone)
		return fmt.Errorf("create conversation failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateConversation succeeded", "id", c.ID, "tenantID", c.TenantID)
	return nil
}

func (s *SQLiteStore) UpdateConversationState(id string, state models.State) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE conversations SET state = ?, updated_at = ?, last_activity_at = ? WHERE id = ?`,
		nilIfEmpty(string(state)), now, now, id,
	)
	if err != nil {
		slog.Error("SQLiteStore.UpdateConversationState failed", "error", err, "id", id, "state", state)
		return fmt.Errorf("update conversation state failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateConversationContext(id string, context map[string]string) error {
	contextJSON, err := marshalContext(context)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.db.Exec(
		`UPDATE conversations SET context = ?, updated_at = ? WHERE id = ?`,
		contextJSON, now, id,
	)
	if err != nil {
		slog.Error("SQLiteStore.UpdateConversationContext failed", "error", err, "id", id)
		return fmt.Errorf("update conversation context failed: %w", err)
	}
	return nil
}

const profileColumns = `id, tenant_id, phone, name, tax_preference, tax_number, tier, total_orders, total_spend, created_at, updated_at`

func (s *SQLiteStore) GetProfile(tenantID, phone string) (*models.CustomerProfile, error) {
	row := s.db.QueryRow(
		`SELECT `+profileColumns+` FROM customer_profiles WHERE tenant_id = ? AND phone = ?`,
		tenantID, phone,
	)
	return scanProfileRow(row)
}

func (s *SQLiteStore) InsertProfile(p models.CustomerProfile) error {
	_, err := s.db.Exec(
		`INSERT INTO customer_profiles (`+profileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.Phone, nilIfEmpty(p.Name), nilIfEmpty(string(p.TaxPreference)),
		nilIfEmpty(p.TaxNumber), nilIfEmpty(p.Tier), p.TotalOrders, p.TotalSpend, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			slog.Debug("SQLiteStore.InsertProfile duplicate", "tenantID", p.TenantID, "phone", p.Phone)
			return models.ErrProfileExists
		}
		slog.Error("SQLiteStore.InsertProfile failed", "error", err, "tenantID", p.TenantID, "phone", p.Phone)
		return fmt.Errorf("insert profile failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTaxPreference(tenantID, phone string, pref models.TaxPreference, taxNumber string) error {
	_, err := s.db.Exec(
		`UPDATE customer_profiles SET tax_preference = ?, tax_number = ?, updated_at = ? WHERE tenant_id = ? AND phone = ?`,
		nilIfEmpty(string(pref)), nilIfEmpty(taxNumber), time.Now(), tenantID, phone,
	)
	if err != nil {
		slog.Error("SQLiteStore.UpdateTaxPreference failed", "error", err, "tenantID", tenantID, "phone", phone)
		return fmt.Errorf("update tax preference failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateProfileName(tenantID, phone, name string) error {
	_, err := s.db.Exec(
		`UPDATE customer_profiles SET name = ?, updated_at = ? WHERE tenant_id = ? AND phone = ?`,
		name, time.Now(), tenantID, phone,
	)
	if err != nil {
		slog.Error("SQLiteStore.UpdateProfileName failed", "error", err, "tenantID", tenantID, "phone", phone)
		return fmt.Errorf("update profile name failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTenantByBotPhone(botPhone string) (*models.Tenant, error) {
	row := s.db.QueryRow(
		`SELECT id, name, bot_phone, admin_phones, subscription_status, subscription_expires_at FROM tenants WHERE bot_phone = ?`,
		botPhone,
	)
	return scanTenantRow(row)
}

func (s *SQLiteStore) GetTenantByID(id string) (*models.Tenant, error) {
	row := s.db.QueryRow(
		`SELECT id, name, bot_phone, admin_phones, subscription_status, subscription_expires_at FROM tenants WHERE id = ?`,
		id,
	)
	return scanTenantRow(row)
}

func (s *SQLiteStore) ListTenants() ([]models.Tenant, error) {
	rows, err := s.db.Query(
		`SELECT id, name, bot_phone, admin_phones, subscription_status, subscription_expires_at FROM tenants ORDER BY id`,
	)
	if err != nil {
		slog.Error("SQLiteStore.ListTenants failed", "error", err)
		return nil, fmt.Errorf("list tenants failed: %w", err)
	}
	defer rows.Close()
	return collectTenants(rows)
}

const orderColumns = `id, tenant_id, phone, items_json, total, status, sync_status, sync_error, created_at, updated_at`

func (s *SQLiteStore) CreateOrder(o models.Order) error {
	_, err := s.db.Exec(
		`INSERT INTO orders (`+orderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.TenantID, o.Phone, nilIfEmpty(o.ItemsJSON), o.Total, o.Status,
		string(o.SyncStatus), nilIfEmpty(o.SyncError), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.CreateOrder failed", "error", err, "id", o.ID)
		return fmt.Errorf("create order failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetOrder(id string) (*models.Order, error) {
	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	return scanOrderRow(row)
}

func (s *SQLiteStore) ListOrdersByTenant(tenantID string, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT `+orderColumns+` FROM orders WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore.ListOrdersByTenant query failed", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("list orders failed: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (s *SQLiteStore) UpdateOrderSyncStatus(id string, status models.SyncStatus, syncError string) error {
	_, err := s.db.Exec(
		`UPDATE orders SET sync_status = ?, sync_error = ?, updated_at = ? WHERE id = ?`,
		string(status), nilIfEmpty(syncError), time.Now(), id,
	)
	if err != nil {
		slog.Error("SQLiteStore.UpdateOrderSyncStatus failed", "error", err, "id", id, "status", status)
		return fmt.Errorf("update order sync status failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordInboundMessage(tenantID, messageID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_messages (tenant_id, message_id, received_at) VALUES (?, ?, ?)`,
		tenantID, messageID, time.Now(),
	)
	if err != nil {
		slog.Error("SQLiteStore.RecordInboundMessage failed", "error", err, "tenantID", tenantID)
		return false, fmt.Errorf("record inbound message failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound message rows affected failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetRegistration(tenantID, phone string) (*models.RegistrationProgress, error) {
	row := s.db.QueryRow(
		`SELECT tenant_id, phone, step, data, expires_at, updated_at FROM registrations WHERE tenant_id = ? AND phone = ?`,
		tenantID, phone,
	)
	reg, err := scanRegistrationRow(row)
	if err != nil || reg == nil {
		return nil, err
	}
	if time.Now().After(reg.ExpiresAt) {
		slog.Debug("SQLiteStore.GetRegistration expired row ignored", "tenantID", tenantID, "phone", phone)
		return nil, nil
	}
	return reg, nil
}

func (s *SQLiteStore) PutRegistration(p models.RegistrationProgress) error {
	dataJSON, err := marshalContext(p.Data)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO registrations (tenant_id, phone, step, data, expires_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.TenantID, p.Phone, p.Step, dataJSON, p.ExpiresAt, p.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.PutRegistration failed", "error", err, "tenantID", p.TenantID, "phone", p.Phone)
		return fmt.Errorf("put registration failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRegistration(tenantID, phone string) error {
	_, err := s.db.Exec(`DELETE FROM registrations WHERE tenant_id = ? AND phone = ?`, tenantID, phone)
	if err != nil {
		slog.Error("SQLiteStore.DeleteRegistration failed", "error", err, "tenantID", tenantID, "phone", phone)
		return fmt.Errorf("delete registration failed: %w", err)
	}
	return nil
}
