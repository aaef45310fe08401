// Package store provides storage backends for ShopFlow.
//
// It defines small repository interfaces for conversations, customer
// profiles, tenants, orders, registration progress, the durable outbox and
// the accounting sync job queue, with PostgreSQL and SQLite implementations
// plus an in-memory store for tests.
package store

import (
	"strings"

	"github.com/BTreeMap/ShopFlow/internal/models"
)

// ConvoRepo persists conversation rows. Not-found is reported as (nil, nil).
type ConvoRepo interface {
	// GetConversationByPhones returns the most recently created conversation
	// matching any of the given phone variants for the tenant.
	GetConversationByPhones(tenantID string, phones []string) (*models.Conversation, error)

	// GetConversationByPhoneSuffix is the loose fallback: it matches rows
	// whose phone ends with the given suffix, most recent first.
	GetConversationByPhoneSuffix(tenantID, suffix string) (*models.Conversation, error)

	// CreateConversation inserts a new conversation row.
	CreateConversation(c models.Conversation) error

	// UpdateConversationState writes the new state and bumps updated_at and
	// last_activity_at.
	UpdateConversationState(id string, state models.State) error

	// UpdateConversationContext replaces the context blob.
	UpdateConversationContext(id string, context map[string]string) error
}

// ProfileRepo persists customer profiles. InsertProfile must report a
// uniqueness violation as models.ErrProfileExists so callers can recover by
// re-reading.
type ProfileRepo interface {
	GetProfile(tenantID, phone string) (*models.CustomerProfile, error)
	InsertProfile(p models.CustomerProfile) error
	UpdateTaxPreference(tenantID, phone string, pref models.TaxPreference, taxNumber string) error
	UpdateProfileName(tenantID, phone, name string) error
}

// TenantRepo resolves tenants.
type TenantRepo interface {
	GetTenantByBotPhone(botPhone string) (*models.Tenant, error)
	GetTenantByID(id string) (*models.Tenant, error)
	ListTenants() ([]models.Tenant, error)
}

// OrderRepo persists orders and their background sync status.
type OrderRepo interface {
	CreateOrder(o models.Order) error
	GetOrder(id string) (*models.Order, error)
	ListOrdersByTenant(tenantID string, limit int) ([]models.Order, error)
	UpdateOrderSyncStatus(id string, status models.SyncStatus, syncError string) error
}

// RegistrationRepo is the durable keyed store for in-flight onboarding
// progress. Rows carry their own expiry; Get must ignore expired rows.
type RegistrationRepo interface {
	GetRegistration(tenantID, phone string) (*models.RegistrationProgress, error)
	PutRegistration(p models.RegistrationProgress) error
	DeleteRegistration(tenantID, phone string) error
}

// DedupRepo records inbound gateway message IDs so transport redeliveries are
// processed at most once.
type DedupRepo interface {
	// RecordInboundMessage inserts the message ID for the tenant. It returns
	// false when the ID was already recorded (a redelivery).
	RecordInboundMessage(tenantID, messageID string) (bool, error)
}

// Store aggregates every repository implemented by a backend.
type Store interface {
	ConvoRepo
	ProfileRepo
	TenantRepo
	OrderRepo
	RegistrationRepo
	DedupRepo
	OutboxRepo
	SyncJobRepo
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType reports "postgres" for PostgreSQL-style DSNs and "sqlite"
// otherwise (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
