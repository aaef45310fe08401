// Package store provides storage backends for ShopFlow.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ShopFlow/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements the full Store interface.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("PostgresStore failed to open connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore migrations applied")

	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("PostgresStore closing database connection")
	return s.db.Close()
}

// isPostgresUniqueViolation reports whether err is a unique constraint
// violation (SQLSTATE 23505).
func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func (s *PostgresStore) GetConversationByPhones(tenantID string, phones []string) (*models.Conversation, error) {
	if len(phones) == 0 {
		return nil, nil
	}
	row := s.db.QueryRow(
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE tenant_id = $1 AND phone = ANY($2)
		 ORDER BY created_at DESC LIMIT 1`,
		tenantID, pq.Array(phones),
	)
	return scanConversationRow(row, tenantID)
}

func (s *PostgresStore) GetConversationByPhoneSuffix(tenantID, suffix string) (*models.Conversation, error) {
	if suffix == "" {
		return nil, nil
	}
	row := s.db.QueryRow(
		`SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = $1 AND phone LIKE $2 ORDER BY created_at DESC LIMIT 1`,
		tenantID, "%"+suffix,
	)
	return scanConversationRow(row, tenantID)
}

func (s *PostgresStore) CreateConversation(c models.Conversation) error {
	contextJSON, err := marshalContext(c.Context)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO conversations (`+conversationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.TenantID, c.Phone, nilIfEmpty(c.RawPhone), nilIfEmpty(string(c.State)), contextJSON,
		c.CreatedAt, c.UpdatedAt, c.LastActivityAt,
	)
	if err != nil {
		slog.Error("PostgresStore.CreateConversation failed", "error", err, "tenantID", c.TenantID, "phone", c.Phone)
		return fmt.Errorf("create conversation failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateConversation succeeded", "id", c.ID, "tenantID", c.TenantID)
	return nil
}

func (s *PostgresStore) UpdateConversationState(id string, state models.State) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE conversations SET state = $1, updated_at = $2, last_activity_at = $3 WHERE id = $4`,
		nilIfEmpty(string(state)), now, now, id,
	)
	if err != nil {
		slog.Error("PostgresStore.UpdateConversationState failed", "error", err, "id", id, "state", state)
		return fmt.Errorf("update conversation state failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateConversationContext(id string, context map[string]string) error {
	contextJSON, err := marshalContext(context)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.db.Exec(
		`UPDATE conversations SET context = $1, updated_at = $2 WHERE id = $3`,
		contextJSON, now, id,
	)
	if err != nil {
		slog.Error("PostgresStore.UpdateConversationContext failed", "error", err, "id", id)
		return fmt.Errorf("update conversation context failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProfile(tenantID, phone string) (*models.CustomerProfile, error) {
	row := s.db.QueryRow(
		`SELECT `+profileColumns+` FROM customer_profiles WHERE tenant_id = $1 AND phone = $2`,
		tenantID, phone,
	)
	return scanProfileRow(row)
}

func (s *PostgresStore) InsertProfile(p models.CustomerProfile) error {
	_, err := s.db.Exec(
		`INSERT INTO customer_profiles (`+profileColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.TenantID, p.Phone, nilIfEmpty(p.Name), nilIfEmpty(string(p.TaxPreference)),
		nilIfEmpty(p.TaxNumber), nilIfEmpty(p.Tier), p.TotalOrders, p.TotalSpend, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			slog.Debug("PostgresStore.InsertProfile duplicate", "tenantID", p.TenantID, "phone", p.Phone)
			return models.ErrProfileExists
		}
		slog.Error("PostgresStore.InsertProfile failed", "error", err, "tenantID", p.TenantID, "phone", p.Phone)
		return fmt.Errorf("insert profile failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTaxPreference(tenantID, phone string, pref models.TaxPreference, taxNumber string) error {
	_, err := s.db.Exec(
		`UPDATE customer_profiles SET tax_preference = $1, tax_number = $2, updated_at = $3 WHERE tenant_id = $4 AND phone = $5`,
		nilIfEmpty(string(pref)), nilIfEmpty(taxNumber), time.Now(), tenantID, phone,
	)
	if err != nil {
		slog.Error("PostgresStore.UpdateTaxPreference failed", "error", err, "tenantID", tenantID, "phone", phone)
		return fmt.Errorf("update tax preference failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProfileName(tenantID, phone, name string) error {
	_, err := s.db.Exec(
		`UPDATE customer_profiles SET name = $1, updated_at = $2 WHERE tenant_id = $3 AND phone = $4`,
		name, time.Now(), tenantID, phone,
	)
	if err != nil {
		slog.Error("PostgresStore.UpdateProfileName failed", "error", err, "tenantID", tenantID, "phone", phone)
		return fmt.Errorf("update profile name failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTenantByBotPhone(botPhone string) (*models.Tenant, error) {
	row := s.db.QueryRow(
		`SELECT id, name, bot_phone, admin_phones, subscription_status, subscription_expires_at FROM tenants WHERE bot_phone = $1`,
		botPhone,
	)
	return scanTenantRow(row)
}

func (s *PostgresStore) GetTenantByID(id string) (*models.Tenant, error) {
	row := s.db.QueryRow(
		`SELECT id, name, bot_phone, admin_phones, subscription_status, subscription_expires_at FROM tenants WHERE id = $1`,
		id,
	)
	return scanTenantRow(row)
}

func (s *PostgresStore) ListTenants() ([]models.Tenant, error) {
	rows, err := s.db.Query(
		`SELECT id, name, bot_phone, admin_phones, subscription_status, subscription_expires_at FROM tenants ORDER BY id`,
	)
	if err != nil {
		slog.Error("PostgresStore.ListTenants failed", "error", err)
		return nil, fmt.Errorf("list tenants failed: %w", err)
	}
	defer rows.Close()
	return collectTenants(rows)
}

func (s *PostgresStore) CreateOrder(o models.Order) error {
	_, err := s.db.Exec(
		`INSERT INTO orders (`+orderColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.TenantID, o.Phone, nilIfEmpty(o.ItemsJSON), o.Total, o.Status,
		string(o.SyncStatus), nilIfEmpty(o.SyncError), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.CreateOrder failed", "error", err, "id", o.ID)
		return fmt.Errorf("create order failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrder(id string) (*models.Order, error) {
	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrderRow(row)
}

func (s *PostgresStore) ListOrdersByTenant(tenantID string, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT `+orderColumns+` FROM orders WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		slog.Error("PostgresStore.ListOrdersByTenant query failed", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("list orders failed: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (s *PostgresStore) UpdateOrderSyncStatus(id string, status models.SyncStatus, syncError string) error {
	_, err := s.db.Exec(
		`UPDATE orders SET sync_status = $1, sync_error = $2, updated_at = $3 WHERE id = $4`,
		string(status), nilIfEmpty(syncError), time.Now(), id,
	)
	if err != nil {
		slog.Error("PostgresStore.UpdateOrderSyncStatus failed", "error", err, "id", id, "status", status)
		return fmt.Errorf("update order sync status failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordInboundMessage(tenantID, messageID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO inbound_messages (tenant_id, message_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (tenant_id, message_id) DO NOTHING`,
		tenantID, messageID, time.Now(),
	)
	if err != nil {
		slog.Error("PostgresStore.RecordInboundMessage failed", "error", err, "tenantID", tenantID)
		return false, fmt.Errorf("record inbound message failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound message rows affected failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) GetRegistration(tenantID, phone string) (*models.RegistrationProgress, error) {
	row := s.db.QueryRow(
		`SELECT tenant_id, phone, step, data, expires_at, updated_at FROM registrations WHERE tenant_id = $1 AND phone = $2`,
		tenantID, phone,
	)
	reg, err := scanRegistrationRow(row)
	if err != nil || reg == nil {
		return nil, err
	}
	if time.Now().After(reg.ExpiresAt) {
		slog.Debug("PostgresStore.GetRegistration expired row ignored", "tenantID", tenantID, "phone", phone)
		return nil, nil
	}
	return reg, nil
}

func (s *PostgresStore) PutRegistration(p models.RegistrationProgress) error {
	dataJSON, err := marshalContext(p.Data)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO registrations (tenant_id, phone, step, data, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, phone) DO UPDATE SET step = EXCLUDED.step, data = EXCLUDED.data, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`,
		p.TenantID, p.Phone, p.Step, dataJSON, p.ExpiresAt, p.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.PutRegistration failed", "error", err, "tenantID", p.TenantID, "phone", p.Phone)
		return fmt.Errorf("put registration failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteRegistration(tenantID, phone string) error {
	_, err := s.db.Exec(`DELETE FROM registrations WHERE tenant_id = $1 AND phone = $2`, tenantID, phone)
	if err != nil {
		slog.Error("PostgresStore.DeleteRegistration failed", "error", err, "tenantID", tenantID, "phone", phone)
		return fmt.Errorf("delete registration failed: %w", err)
	}
	return nil
}
