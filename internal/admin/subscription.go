package admin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ShopFlow/internal/store"
)

// subscriptionReminderKind is the outbox kind for expiry reminders.
const subscriptionReminderKind = "subscription_reminder"

// ReminderWindow is how far ahead of expiry admins get warned.
const ReminderWindow = 7 * 24 * time.Hour

// NewSubscriptionReminder returns a job that warns tenant admins about
// subscriptions that are expired or expiring within the reminder window.
// Reminders are deduped per tenant and expiry date through the outbox.
func NewSubscriptionReminder(tenants store.TenantRepo, outbox store.OutboxRepo) func() {
	return func() {
		all, err := tenants.ListTenants()
		if err != nil {
			slog.Error("SubscriptionReminder: tenant listing failed", "error", err)
			return
		}

		now := time.Now()
		reminded := 0
		for _, tenant := range all {
			if tenant.SubscriptionExpiresAt == nil {
				continue
			}
			expires := *tenant.SubscriptionExpiresAt
			if expires.After(now.Add(ReminderWindow)) {
				continue
			}

			var text string
			if expires.Before(now) {
				text = fmt.Sprintf("Your %s subscription expired on %s. Renew to keep your store bot active.", tenant.Name, expires.Format("2 Jan 2006"))
			} else {
				text = fmt.Sprintf("Your %s subscription expires on %s. Renew soon to avoid interruption.", tenant.Name, expires.Format("2 Jan 2006"))
			}
			payload, _ := json.Marshal(map[string]string{"text": text})

			for _, admin := range tenant.AdminPhones {
				dedupe := fmt.Sprintf("%s_%s_%s_%s", subscriptionReminderKind, tenant.ID, expires.Format("20060102"), admin)
				if _, err := outbox.EnqueueOutboxMessage(tenant.ID, admin, subscriptionReminderKind, string(payload), dedupe); err != nil {
					slog.Error("SubscriptionReminder: enqueue failed", "error", err, "tenantID", tenant.ID, "admin", admin)
					continue
				}
				reminded++
			}
		}
		if reminded > 0 {
			slog.Info("SubscriptionReminder: reminders queued", "count", reminded)
		}
	}
}
