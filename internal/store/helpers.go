package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ShopFlow/internal/models"
)

// nilIfEmpty returns nil for empty strings so optional columns are stored as
// NULL rather than "".
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalContext serializes a context map to JSON, returning nil for empty
// maps so the column stays NULL.
func marshalContext(m map[string]string) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal context failed: %w", err)
	}
	return string(b), nil
}

// unmarshalContext deserializes a JSON context column; NULL yields nil.
func unmarshalContext(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshal context failed: %w", err)
	}
	return m, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(sc rowScanner) (*models.Conversation, error) {
	var c models.Conversation
	var rawPhone, state, contextJSON sql.NullString
	err := sc.Scan(&c.ID, &c.TenantID, &c.Phone, &rawPhone, &state, &contextJSON,
		&c.CreatedAt, &c.UpdatedAt, &c.LastActivityAt)
	if err != nil {
		return nil, err
	}
	c.RawPhone = rawPhone.String
	c.State = models.State(state.String)
	ctx, err := unmarshalContext(contextJSON)
	if err != nil {
		return nil, err
	}
	c.Context = ctx
	return &c, nil
}

func scanConversationRow(row *sql.Row, tenantID string) (*models.Conversation, error) {
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("store: scan conversation failed", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("scan conversation failed: %w", err)
	}
	return c, nil
}

func scanProfile(sc rowScanner) (*models.CustomerProfile, error) {
	var p models.CustomerProfile
	var name, taxPref, taxNumber, tier sql.NullString
	err := sc.Scan(&p.ID, &p.TenantID, &p.Phone, &name, &taxPref, &taxNumber, &tier,
		&p.TotalOrders, &p.TotalSpend, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Name = name.String
	p.TaxPreference = models.TaxPreference(taxPref.String)
	p.TaxNumber = taxNumber.String
	p.Tier = tier.String
	return &p, nil
}

func scanProfileRow(row *sql.Row) (*models.CustomerProfile, error) {
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("store: scan profile failed", "error", err)
		return nil, fmt.Errorf("scan profile failed: %w", err)
	}
	return p, nil
}

func scanTenant(sc rowScanner) (*models.Tenant, error) {
	var t models.Tenant
	var adminPhones sql.NullString
	var expiresAt sql.NullTime
	err := sc.Scan(&t.ID, &t.Name, &t.BotPhone, &adminPhones, &t.SubscriptionStatus, &expiresAt)
	if err != nil {
		return nil, err
	}
	if adminPhones.Valid && adminPhones.String != "" {
		if err := json.Unmarshal([]byte(adminPhones.String), &t.AdminPhones); err != nil {
			return nil, fmt.Errorf("unmarshal admin phones failed: %w", err)
		}
	}
	if expiresAt.Valid {
		t.SubscriptionExpiresAt = &expiresAt.Time
	}
	return &t, nil
}

func scanTenantRow(row *sql.Row) (*models.Tenant, error) {
	t, err := scanTenant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("store: scan tenant failed", "error", err)
		return nil, fmt.Errorf("scan tenant failed: %w", err)
	}
	return t, nil
}

func collectTenants(rows *sql.Rows) ([]models.Tenant, error) {
	var tenants []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant failed: %w", err)
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

func scanOrder(sc rowScanner) (*models.Order, error) {
	var o models.Order
	var itemsJSON, syncError sql.NullString
	var syncStatus string
	err := sc.Scan(&o.ID, &o.TenantID, &o.Phone, &itemsJSON, &o.Total, &o.Status,
		&syncStatus, &syncError, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.ItemsJSON = itemsJSON.String
	o.SyncStatus = models.SyncStatus(syncStatus)
	o.SyncError = syncError.String
	return &o, nil
}

func scanOrderRow(row *sql.Row) (*models.Order, error) {
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("store: scan order failed", "error", err)
		return nil, fmt.Errorf("scan order failed: %w", err)
	}
	return o, nil
}

func collectOrders(rows *sql.Rows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order failed: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders failed: %w", err)
	}
	return orders, nil
}

func scanRegistrationRow(row *sql.Row) (*models.RegistrationProgress, error) {
	var r models.RegistrationProgress
	var dataJSON sql.NullString
	err := row.Scan(&r.TenantID, &r.Phone, &r.Step, &dataJSON, &r.ExpiresAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("store: scan registration failed", "error", err)
		return nil, fmt.Errorf("scan registration failed: %w", err)
	}
	data, err := unmarshalContext(dataJSON)
	if err != nil {
		return nil, err
	}
	r.Data = data
	return &r, nil
}
