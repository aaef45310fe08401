// Package models defines the core data structures for ShopFlow.
//
// It includes the conversation, profile, tenant and order records shared
// across modules, plus the inbound message envelope consumed by the
// dispatcher.
package models

import (
	"errors"
	"time"
)

// MessageType identifies the payload type of an inbound message.
type MessageType string

const (
	// MessageTypeText is a plain text message.
	MessageTypeText MessageType = "text"
	// MessageTypeImage is an image attachment.
	MessageTypeImage MessageType = "image"
	// MessageTypeDocument is a document attachment (invoices, GST certificates).
	MessageTypeDocument MessageType = "document"
	// MessageTypeMedia covers any other media payload.
	MessageTypeMedia MessageType = "media"
)

// TaxPreference records how a customer wants orders billed.
type TaxPreference string

const (
	// TaxPreferenceWithTax bills orders with tax included.
	TaxPreferenceWithTax TaxPreference = "with_tax"
	// TaxPreferenceNoTax bills orders without tax.
	TaxPreferenceNoTax TaxPreference = "no_tax"
	// TaxPreferenceUnset means the customer has not chosen yet.
	TaxPreferenceUnset TaxPreference = ""
)

// SyncStatus tracks background accounting synchronization of an order.
type SyncStatus string

const (
	// SyncStatusPending means the order has not been synced yet.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusSynced means the order was synced to the accounting system.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusFailed means syncing failed terminally; SyncError holds details.
	SyncStatusFailed SyncStatus = "failed"
)

// Error variables for better error handling and testability
var (
	ErrInvalidTransition    = errors.New("invalid conversation state transition")
	ErrTenantNotFound       = errors.New("tenant not found for bot phone")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrProfileExists        = errors.New("customer profile already exists")
	ErrEmptyPhone           = errors.New("phone cannot be empty")
)

// Conversation is the per-(tenant, phone) dialogue record carrying the
// commerce state machine's current state. At most one live row should exist
// per (tenant, canonical phone); the store tolerates duplicates by always
// selecting the most recently created row.
type Conversation struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	Phone          string            `json:"phone"`     // canonical digits
	RawPhone       string            `json:"raw_phone"` // as last seen on the wire
	State          State             `json:"state"`
	Context        map[string]string `json:"context,omitempty"` // ephemeral conversation data
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
}

// CustomerProfile is the per-(tenant, phone) customer record, independent of
// the conversation row. Created lazily on first contact, never deleted.
type CustomerProfile struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenant_id"`
	Phone         string        `json:"phone"`
	Name          string        `json:"name,omitempty"`
	TaxPreference TaxPreference `json:"tax_preference,omitempty"`
	TaxNumber     string        `json:"tax_number,omitempty"`
	Tier          string        `json:"tier,omitempty"`
	TotalOrders   int           `json:"total_orders"`
	TotalSpend    float64       `json:"total_spend"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Tenant is a storefront owner reachable through a dedicated bot phone.
type Tenant struct {
	ID                    string     `json:"id"`
	Name                  string     `json:"name"`
	BotPhone              string     `json:"bot_phone"`
	AdminPhones           []string   `json:"admin_phones,omitempty"`
	SubscriptionStatus    string     `json:"subscription_status"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
}

// Order is a placed order awaiting background accounting sync.
type Order struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Phone      string     `json:"phone"`
	ItemsJSON  string     `json:"items_json"`
	Total      float64    `json:"total"`
	Status     string     `json:"status"`
	SyncStatus SyncStatus `json:"sync_status"`
	SyncError  string     `json:"sync_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// InboundMessage is the gateway payload shape consumed by the dispatcher.
// Fields beyond these are ignored by routing.
type InboundMessage struct {
	MessageID string      `json:"message_id,omitempty"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Type      MessageType `json:"type"`
	Text      string      `json:"text,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// IsText reports whether the message carries a text body.
func (m *InboundMessage) IsText() bool {
	return m.Type == MessageTypeText && m.Text != ""
}

// Intent is the coarse intent label produced by the rule cascade.
type Intent string

const (
	IntentCartOperation Intent = "cart_operation"
	IntentOrder         Intent = "order"
	IntentDiscount      Intent = "discount"
	IntentPriceInquiry  Intent = "price_inquiry"
)

// ClassificationResult is the ephemeral output of the rule cascade for one
// message. Not persisted; consumed immediately by the dispatcher.
type ClassificationResult struct {
	Intent      Intent  `json:"intent,omitempty"`
	Confidence  float64 `json:"confidence"`
	MatchedRule string  `json:"matched_rule,omitempty"`
}

// Matched reports whether any rule in the cascade fired.
func (r ClassificationResult) Matched() bool {
	return r.MatchedRule != ""
}

// AIClassification is the structured result of the external AI classifier,
// interpreted by the dispatcher as a late-arriving classification.
type AIClassification struct {
	Action     string  `json:"action"`
	Intent     string  `json:"intent,omitempty"`
	Confidence float64 `json:"confidence"`
	Response   string  `json:"response,omitempty"`
}

// RegistrationProgress holds in-flight onboarding state for a phone. Rows
// expire after a TTL and are refreshed on every step write.
type RegistrationProgress struct {
	TenantID  string            `json:"tenant_id"`
	Phone     string            `json:"phone"`
	Step      string            `json:"step"`
	Data      map[string]string `json:"data,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
