package commerce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ShopFlow/internal/models"
	"github.com/BTreeMap/ShopFlow/internal/store"
)

// OutboxKindAdminNotification is the outbox kind for operator alerts.
const OutboxKindAdminNotification = "admin_notification"

// accountingPayload is the sync job payload for order export.
type accountingPayload struct {
	OrderID  string `json:"order_id"`
	TenantID string `json:"tenant_id"`
}

// Exporter pushes a placed order into the tenant's accounting system.
type Exporter interface {
	ExportOrder(ctx context.Context, order models.Order) error
}

// LogExporter is the default exporter used when no accounting integration is
// configured. It records the export and succeeds.
type LogExporter struct{}

// ExportOrder logs the order and reports success.
func (LogExporter) ExportOrder(ctx context.Context, order models.Order) error {
	slog.Info("LogExporter.ExportOrder", "orderID", order.ID, "tenantID", order.TenantID, "total", order.Total)
	return nil
}

// NewAccountingSyncHandler returns the sync job handler for
// SyncJobKindAccounting. A successful export marks the order synced; any
// error is returned to the runner for retry.
func NewAccountingSyncHandler(orders store.OrderRepo, exporter Exporter) store.SyncJobHandler {
	return func(ctx context.Context, payload string) error {
		var p accountingPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("accounting payload unmarshal failed: %w", err)
		}

		order, err := orders.GetOrder(p.OrderID)
		if err != nil {
			return fmt.Errorf("order lookup failed: %w", err)
		}
		if order == nil {
			// The order row is gone; retrying cannot help.
			slog.Warn("accounting sync: order not found, dropping job", "orderID", p.OrderID)
			return nil
		}
		if order.SyncStatus == models.SyncStatusSynced {
			return nil
		}

		if err := exporter.ExportOrder(ctx, *order); err != nil {
			return fmt.Errorf("accounting export failed: %w", err)
		}
		if err := orders.UpdateOrderSyncStatus(order.ID, models.SyncStatusSynced, ""); err != nil {
			return fmt.Errorf("sync status update failed: %w", err)
		}
		slog.Info("accounting sync: order synced", "orderID", order.ID, "tenantID", order.TenantID)
		return nil
	}
}

// NewAccountingFailureHandler returns the terminal-failure callback for
// SyncJobKindAccounting: mark the order failed and alert the tenant admins
// through the durable outbox.
func NewAccountingFailureHandler(orders store.OrderRepo, tenants store.TenantRepo, outbox store.OutboxRepo) store.SyncJobTerminalHandler {
	return func(ctx context.Context, payload string, errMsg string) {
		var p accountingPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			slog.Error("accounting failure handler: bad payload", "error", err)
			return
		}

		if err := orders.UpdateOrderSyncStatus(p.OrderID, models.SyncStatusFailed, errMsg); err != nil {
			slog.Error("accounting failure handler: status update failed", "error", err, "orderID", p.OrderID)
		}

		tenant, err := tenants.GetTenantByID(p.TenantID)
		if err != nil || tenant == nil {
			slog.Error("accounting failure handler: tenant lookup failed", "error", err, "tenantID", p.TenantID)
			return
		}

		note, _ := json.Marshal(map[string]string{
			"text": fmt.Sprintf("Order %s could not be synced to accounting: %s. Please enter it manually.", p.OrderID, errMsg),
		})
		for _, admin := range tenant.AdminPhones {
			dedupe := fmt.Sprintf("%s_%s_%s", OutboxKindAdminNotification, p.OrderID, admin)
			if _, err := outbox.EnqueueOutboxMessage(tenant.ID, admin, OutboxKindAdminNotification, string(note), dedupe); err != nil {
				slog.Error("accounting failure handler: notification enqueue failed", "error", err, "admin", admin)
			}
		}
		slog.Warn("accounting sync: order permanently failed", "orderID", p.OrderID, "tenantID", p.TenantID, "admins_notified", len(tenant.AdminPhones))
	}
}
