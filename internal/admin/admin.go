// Package admin handles slash commands sent to a tenant's bot line.
package admin

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ShopFlow/internal/messaging"
	"github.com/BTreeMap/ShopFlow/internal/models"
	"github.com/BTreeMap/ShopFlow/internal/phone"
	"github.com/BTreeMap/ShopFlow/internal/store"
)

// broadcastKind is the outbox kind for admin broadcast fan-out.
const broadcastKind = "admin_broadcast"

// commandFunc executes one slash command. args is the remainder of the
// message after the command word.
type commandFunc func(ctx context.Context, tenant *models.Tenant, from, args string) error

// Handler routes slash commands through a static registry resolved at
// construction time.
type Handler struct {
	tenants  store.TenantRepo
	orders   store.OrderRepo
	outbox   store.OutboxRepo
	msg      messaging.Service
	commands map[string]commandFunc
}

// NewHandler creates an admin command handler.
func NewHandler(tenants store.TenantRepo, orders store.OrderRepo, outbox store.OutboxRepo, msg messaging.Service) *Handler {
	h := &Handler{
		tenants: tenants,
		orders:  orders,
		outbox:  outbox,
		msg:     msg,
	}
	h.commands = map[string]commandFunc{
		"/login":     h.handleLogin,
		"/status":    h.handleStatus,
		"/orders":    h.handleOrders,
		"/broadcast": h.handleBroadcast,
		"/help":      h.handleHelp,
	}
	return h
}

// IsCommand reports whether the text is a slash command.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

// SplitCommand returns the lowercased command word and the remaining args.
func SplitCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	cmd, args, _ := strings.Cut(text, " ")
	return strings.ToLower(cmd), strings.TrimSpace(args)
}

// AlwaysRoutable reports whether the command may be invoked by any sender,
// admin or not. /login has to work before the sender is recognized as an
// admin, and /status is intentionally public.
func AlwaysRoutable(cmd string) bool {
	return cmd == "/login" || cmd == "/status"
}

// IsAdmin reports whether the sender is in the tenant's admin list.
func IsAdmin(tenant *models.Tenant, rawPhone string) bool {
	if tenant == nil {
		return false
	}
	canonical := phone.Normalize(rawPhone)
	for _, admin := range tenant.AdminPhones {
		if phone.Normalize(admin) == canonical {
			return true
		}
	}
	return false
}

// Handle executes the command in the message text. Unknown commands get the
// help text.
func (h *Handler) Handle(ctx context.Context, tenant *models.Tenant, msg models.InboundMessage) error {
	cmd, args := SplitCommand(msg.Text)
	slog.Debug("Admin.Handle", "tenantID", tenant.ID, "command", cmd)

	fn, ok := h.commands[cmd]
	if !ok {
		return h.handleHelp(ctx, tenant, msg.From, "")
	}
	return fn(ctx, tenant, msg.From, args)
}

func (h *Handler) handleLogin(ctx context.Context, tenant *models.Tenant, from, args string) error {
	if IsAdmin(tenant, from) {
		slog.Info("Admin.handleLogin admin recognized", "tenantID", tenant.ID, "phone", phone.Normalize(from))
		return h.msg.SendMessage(ctx, from, fmt.Sprintf("You're logged in as an admin of %s.", tenant.Name))
	}
	return h.msg.SendMessage(ctx, from, "This number is not registered as an admin for this store.")
}

func (h *Handler) handleStatus(ctx context.Context, tenant *models.Tenant, from, args string) error {
	// Re-read the tenant so a renewal done since startup shows up.
	if fresh, err := h.tenants.GetTenantByID(tenant.ID); err == nil && fresh != nil {
		tenant = fresh
	}

	status := tenant.SubscriptionStatus
	if status == "" {
		status = "unknown"
	}
	reply := fmt.Sprintf("%s — subscription: %s", tenant.Name, status)
	if tenant.SubscriptionExpiresAt != nil {
		reply += fmt.Sprintf(" (until %s)", tenant.SubscriptionExpiresAt.Format("2 Jan 2006"))
	}
	return h.msg.SendMessage(ctx, from, reply)
}

func (h *Handler) handleOrders(ctx context.Context, tenant *models.Tenant, from, args string) error {
	orders, err := h.orders.ListOrdersByTenant(tenant.ID, 10)
	if err != nil {
		return fmt.Errorf("list orders failed: %w", err)
	}
	if len(orders) == 0 {
		return h.msg.SendMessage(ctx, from, "No orders yet.")
	}

	var b strings.Builder
	b.WriteString("Recent orders:\n")
	for _, o := range orders {
		fmt.Fprintf(&b, "%s — ₹%.2f — %s (sync: %s)\n", o.ID, o.Total, o.Status, o.SyncStatus)
	}
	return h.msg.SendMessage(ctx, from, b.String())
}

// handleBroadcast fans a message out to every customer with a recent order,
// one durable outbox entry per phone.
func (h *Handler) handleBroadcast(ctx context.Context, tenant *models.Tenant, from, args string) error {
	if args == "" {
		return h.msg.SendMessage(ctx, from, "Usage: /broadcast <message>")
	}

	orders, err := h.orders.ListOrdersByTenant(tenant.ID, 200)
	if err != nil {
		return fmt.Errorf("broadcast recipient lookup failed: %w", err)
	}

	payload, _ := json.Marshal(map[string]string{"text": args})
	// The content hash keeps a repeated identical broadcast deduped while
	// letting a new message through to recipients still queued.
	digest := sha256.Sum256([]byte(args))

	seen := make(map[string]bool)
	queued := 0
	for _, o := range orders {
		if seen[o.Phone] {
			continue
		}
		seen[o.Phone] = true
		dedupe := fmt.Sprintf("%s_%s_%x", broadcastKind, o.Phone, digest[:8])
		if _, err := h.outbox.EnqueueOutboxMessage(tenant.ID, o.Phone, broadcastKind, string(payload), dedupe); err != nil {
			slog.Error("Admin.handleBroadcast enqueue failed", "error", err, "phone", o.Phone)
			continue
		}
		queued++
	}
	slog.Info("Admin.handleBroadcast queued", "tenantID", tenant.ID, "recipients", queued)
	return h.msg.SendMessage(ctx, from, fmt.Sprintf("Broadcast queued for %d customers.", queued))
}

func (h *Handler) handleHelp(ctx context.Context, tenant *models.Tenant, from, args string) error {
	return h.msg.SendMessage(ctx, from,
		"Commands:\n/login — verify admin access\n/status — subscription status\n/orders — recent orders\n/broadcast <msg> — message recent customers\n/help — this list")
}
