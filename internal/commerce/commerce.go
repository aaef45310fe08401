// Package commerce turns classified messages into cart and order actions.
// It owns the cart (kept in the conversation context), the structured
// checkout steps, and order placement.
package commerce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ShopFlow/internal/convo"
	"github.com/BTreeMap/ShopFlow/internal/intent"
	"github.com/BTreeMap/ShopFlow/internal/messaging"
	"github.com/BTreeMap/ShopFlow/internal/models"
	"github.com/BTreeMap/ShopFlow/internal/phone"
	"github.com/BTreeMap/ShopFlow/internal/store"
	"github.com/BTreeMap/ShopFlow/internal/util"
)

// Conversation context keys.
const (
	ctxKeyCart           = "cart"
	ctxKeyLastProduct    = "last_product"
	ctxKeyShippingMethod = "shipping_method"
	ctxKeyAddress        = "address"
	ctxKeyLastDocument   = "last_document"
)

// SyncJobKindAccounting is the job kind for order → accounting export.
const SyncJobKindAccounting = "accounting_sync"

// OutboxKindOrderConfirmation is the outbox kind for checkout confirmations.
const OutboxKindOrderConfirmation = "order_confirmation"

// CartItem is one line of the in-context cart.
type CartItem struct {
	ProductCode string  `json:"product_code"`
	Quantity    int     `json:"quantity"`
	Unit        string  `json:"unit,omitempty"`
	UnitPrice   float64 `json:"unit_price,omitempty"`
}

// PriceLookup resolves a unit price for a product code. Zero means the price
// is settled on the invoice.
type PriceLookup func(productCode string) float64

// Handler executes commerce actions for classified messages.
type Handler struct {
	convo    *convo.Store
	profiles store.ProfileRepo
	orders   store.OrderRepo
	outbox   store.OutboxRepo
	syncJobs store.SyncJobRepo
	msg      messaging.Service
	priceFor PriceLookup
}

// Option configures a Handler.
type Option func(*Handler)

// WithPriceLookup installs a price resolver used when items are added.
func WithPriceLookup(fn PriceLookup) Option {
	return func(h *Handler) { h.priceFor = fn }
}

// NewHandler creates a commerce handler.
func NewHandler(convoStore *convo.Store, profiles store.ProfileRepo, orders store.OrderRepo, outbox store.OutboxRepo, syncJobs store.SyncJobRepo, msg messaging.Service, opts ...Option) *Handler {
	h := &Handler{
		convo:    convoStore,
		profiles: profiles,
		orders:   orders,
		outbox:   outbox,
		syncJobs: syncJobs,
		msg:      msg,
		priceFor: func(string) float64 { return 0 },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var (
	productCodeRe = regexp.MustCompile(`\b\d{1,3}x\d{2,4}\b`)
	quantityRe    = regexp.MustCompile(`(\d+)\s*(ctns?|cartons?|pcs?|pieces?|boxes?|box|units?|bags?|rolls?)?`)
	clearCartRe   = regexp.MustCompile(`\b(?:clear|empty)\b`)
	checkoutRe    = regexp.MustCompile(`\b(?:checkout|check\s*out|place)\b`)
	confirmRe     = regexp.MustCompile(`^\s*(?:confirm|yes|y|ok|okay|haan|done)\s*$`)
	taxNumberRe   = regexp.MustCompile(`\b[0-9]{2}[A-Z0-9]{10,13}\b`)
)

// IsConfirmation reports whether the text confirms a pending checkout.
func IsConfirmation(text string) bool {
	return confirmRe.MatchString(strings.ToLower(text))
}

// HandleRuleMatch routes a cascade match to the matching commerce action.
func (h *Handler) HandleRuleMatch(ctx context.Context, tenant *models.Tenant, msg models.InboundMessage, result models.ClassificationResult) error {
	slog.Debug("Commerce.HandleRuleMatch", "tenantID", tenant.ID, "rule", result.MatchedRule)

	switch result.MatchedRule {
	case intent.RuleCartOperation:
		return h.handleCartOperation(ctx, tenant, msg)
	case intent.RuleQuantityOnly:
		return h.handleQuantityOnly(ctx, tenant, msg)
	case intent.RuleProductCodeOrder:
		return h.handleProductCodeOrder(ctx, tenant, msg)
	case intent.RulePriceInquiry:
		return h.handlePriceInquiry(ctx, tenant, msg)
	case intent.RulePerUnitPrice, intent.RuleDiscount:
		return h.handleDiscount(ctx, tenant, msg)
	case intent.RuleLargeQuantity:
		return h.handleLargeQuantity(ctx, tenant, msg)
	default:
		slog.Warn("Commerce.HandleRuleMatch unknown rule", "rule", result.MatchedRule)
		return h.msg.SendMessage(ctx, msg.From, "Sorry, I didn't follow that. Send a product code like 10x140 with a quantity to order.")
	}
}

func (h *Handler) handleCartOperation(ctx context.Context, tenant *models.Tenant, msg models.InboundMessage) error {
	lowered := strings.ToLower(msg.Text)

	switch {
	case checkoutRe.MatchString(lowered):
		return h.BeginCheckout(ctx, tenant, msg.From)
	case clearCartRe.MatchString(lowered):
		if err := h.saveCart(ctx, tenant.ID, msg.From, nil); err != nil {
			return err
		}
		// Clearing the cart steps the funnel back; ignore an illegal move
		// (e.g. nothing was in progress).
		if _, _, err := h.convo.SetState(ctx, tenant.ID, msg.From, models.StateBrowsing, false); err != nil && err != models.ErrInvalidTransition {
			return err
		}
		return h.msg.SendMessage(ctx, msg.From, "Cart cleared. Send a product code any time to start a new order.")
	default:
		cart, err := h.loadCart(ctx, tenant.ID, msg.From)
		if err != nil {
			return err
		}
		return h.msg.SendMessage(ctx, msg.From, formatCart(cart))
	}
}

// handleQuantityOnly resumes the last discussed product with a bare quantity.
// No product in context means the customer has to name one first.
func (h *Handler) handleQuantityOnly(ctx context.Context, tenant *models.Tenant, msg models.InboundMessage) error {
	convoCtx, err := h.convo.GetContext(ctx, tenant.ID, msg.From)
	if err != nil {
		return err
	}
	lastProduct := convoCtx[ctxKeyLastProduct]
	if lastProduct == "" {
		return h.msg.SendMessage(ctx, msg.From, "Which product is that for? Send a code like 10x140 along with the quantity.")
	}

	qty, unit := parseQuantity(msg.Text)
	if qty <= 0 {
		return h.msg.SendMessage(ctx, msg.From, "How many would you like? e.g. \"5 ctns\"")
	}
	return h.addToCart(ctx, tenant, msg.From, lastProduct, qty, unit)
}

func (h *Handler) handleProductCodeOrder(ctx context.Context, tenant *models.Tenant, msg models.InboundMessage) error {
	code := productCodeRe.FindString(strings.ToLower(msg.Text))
	if code == "" {
		return h.msg.SendMessage(ctx, msg.From, "I couldn't read the product code. Try something like \"10x140 5 ctns\".")
	}

	rest := strings.Replace(strings.ToLower(msg.Text), code, "", 1)
	qty, unit := parseQuantity(rest)
	if qty <= 0 {
		qty = 1
	}
	return h.addToCart(ctx, tenant, msg.From, code, qty, unit)
}

func (h *Handler) handlePriceInquiry(ctx context.Context, tenant *models.Tenant, msg models.InboundMessage) error {
	code := productCodeRe.FindString(strings.ToLower(msg.Text))
	if code != "" {
		if err := h.convo.SetContextValue(ctx, tenant.ID, msg.From, ctxKeyLastProduct, code); err != nil {
			return err
		}
	}
	if _, _, err := h.convo.SetState(ctx, tenant.ID, msg.From, models.StateBrowsing, false); err != nil && err != models.ErrInvalidTransition {
		return err
	}

	price := h.priceFor(code)
	if price > 0 {
		return h.msg.SendMessage(ctx, msg.From, fmt.Sprintf("%s is ₹%.2f per unit. Reply with a quantity to order.", code, price))
	}
	return h.msg.SendMessage(ctx, msg.From, fmt.Sprintf("Let me check the latest rate for %s and get back to you. Reply with a quantity if you'd like to reserve stock.", code))
}

func (h *Handler) handleDiscount(ctx context.Context, tenant *models.Tenant, msg models.InboundMessage) error {
	return h.msg.SendMessage(ctx, msg.From, "Let me see what we can do on the rate. For bulk quantities we usually have room; how many are you looking at?")
}

func (h *Handler) handleLargeQuantity(ctx context.Context, tenant *models.Tenant, msg models.InboundMessage) error {
	if _, _, err := h.convo.SetState(ctx, tenant.ID, msg.From, models.StateMultiProductDiscussion, false); err != nil && err != models.ErrInvalidTransition {
		return err
	}
	return h.msg.SendMessage(ctx, msg.From, "That's a bulk order — we can quote a special rate. Which products and sizes do you need?")
}

// addToCart appends a line and moves the funnel to CART_ACTIVE.
func (h *Handler) addToCart(ctx context.Context, tenant *models.Tenant, rawPhone, code string, qty int, unit string) error {
	cart, err := h.loadCart(ctx, tenant.ID, rawPhone)
	if err != nil {
		return err
	}
	cart = append(cart, CartItem{
		ProductCode: code,
		Quantity:    qty,
		Unit:        unit,
		UnitPrice:   h.priceFor(code),
	})
	if err := h.saveCart(ctx, tenant.ID, rawPhone, cart); err != nil {
		return err
	}
	if err := h.convo.SetContextValue(ctx, tenant.ID, rawPhone, ctxKeyLastProduct, code); err != nil {
		return err
	}
	if _, _, err := h.convo.SetState(ctx, tenant.ID, rawPhone, models.StateCartActive, false); err != nil && err != models.ErrInvalidTransition {
		return err
	}

	slog.Info("Commerce.addToCart", "tenantID", tenant.ID, "phone", phone.Normalize(rawPhone), "product", code, "qty", qty)
	reply := fmt.Sprintf("Added %d %s of %s to your cart.", qty, orUnits(unit), code)
	return h.msg.SendMessage(ctx, rawPhone, reply+" Say \"checkout\" when you're ready, or keep adding.")
}

// BeginCheckout starts the structured checkout steps. Customers with a saved
// tax preference skip straight to shipping.
func (h *Handler) BeginCheckout(ctx context.Context, tenant *models.Tenant, rawPhone string) error {
	cart, err := h.loadCart(ctx, tenant.ID, rawPhone)
	if err != nil {
		return err
	}
	if len(cart) == 0 {
		return h.msg.SendMessage(ctx, rawPhone, "Your cart is empty. Send a product code with a quantity to add something first.")
	}

	if _, _, err := h.convo.SetState(ctx, tenant.ID, rawPhone, models.StateAwaitingTaxDetails, false); err != nil {
		if err == models.ErrInvalidTransition {
			return h.msg.SendMessage(ctx, rawPhone, "Let's finish the current step first.")
		}
		return err
	}

	profile, err := h.profiles.GetProfile(tenant.ID, phone.Normalize(rawPhone))
	if err == nil && profile != nil && profile.TaxPreference != models.TaxPreferenceUnset {
		if _, _, err := h.convo.SetState(ctx, tenant.ID, rawPhone, models.StateAwaitingShipping, false); err != nil {
			return err
		}
		return h.msg.SendMessage(ctx, rawPhone, "Using your saved billing preference. How should we ship this? (transport / courier / pickup)")
	}

	return h.msg.SendMessage(ctx, rawPhone, "Billing with tax or without? Reply \"with tax\" (add your GST number) or \"no tax\".")
}

// HandleStructuredInput processes the reply expected by an awaiting state.
func (h *Handler) HandleStructuredInput(ctx context.Context, tenant *models.Tenant, msg models.InboundMessage, state models.State) error {
	switch state {
	case models.StateAwaitingTaxDetails:
		return h.handleTaxDetails(ctx, tenant, msg)
	case models.StateAwaitingShipping:
		return h.handleShipping(ctx, tenant, msg)
	case models.StateAwaitingAddress:
		return h.handleAddress(ctx, tenant, msg)
	default:
		return fmt.Errorf("state %q does not expect structured input", state)
	}
}

func (h *Handler) handleTaxDetails(ctx context.Context, tenant *models.Tenant, msg models.InboundMessage) error {
	lowered := strings.ToLower(msg.Text)

	var pref models.TaxPreference
	switch {
	case strings.Contains(lowered, "no tax"), strings.Contains(lowered, "without"),
		strings.Contains(lowered, "no gst"), strings.Contains(lowered, "bina"):
		pref = models.TaxPreferenceNoTax
	case strings.Contains(lowered, "tax"), strings.Contains(lowered, "gst"),
		strings.Contains(lowered, "bill"):
		pref = models.TaxPreferenceWithTax
	default:
		return h.msg.SendMessage(ctx, msg.From, "Please reply \"with tax\" or \"no tax\" so I can bill this correctly.")
	}

	taxNumber := taxNumberRe.FindString(strings.ToUpper(msg.Text))
	canonical := phone.Normalize(msg.From)
	if err := h.profiles.UpdateTaxPreference(tenant.ID, canonical, pref, taxNumber); err != nil {
		return fmt.Errorf("tax preference update failed: %w", err)
	}

	if _, _, err := h.convo.SetState(ctx, tenant.ID, msg.From, models.StateAwaitingShipping, false); err != nil {
		return err
	}
	return h.msg.SendMessage(ctx, msg.From, "Noted. How should we ship this? (transport / courier / pickup)")
}

func (h *Handler) handleShipping(ctx context.Context, tenant *models.Tenant, msg models.InboundMessage) error {
	method := strings.TrimSpace(msg.Text)
	if err := h.convo.SetContextValue(ctx, tenant.ID, msg.From, ctxKeyShippingMethod, method); err != nil {
		return err
	}
	if _, _, err := h.convo.SetState(ctx, tenant.ID, msg.From, models.StateAwaitingAddress, false); err != nil {
		return err
	}
	return h.msg.SendMessage(ctx, msg.From, "Got it. What's the delivery address?")
}

func (h *Handler) handleAddress(ctx context.Context, tenant *models.Tenant, msg models.InboundMessage) error {
	address := strings.TrimSpace(msg.Text)
	if len(address) < 8 {
		return h.msg.SendMessage(ctx, msg.From, "That address looks too short. Please send the full delivery address.")
	}
	if err := h.convo.SetContextValue(ctx, tenant.ID, msg.From, ctxKeyAddress, address); err != nil {
		return err
	}
	if _, _, err := h.convo.SetState(ctx, tenant.ID, msg.From, models.StateCheckoutReady, false); err != nil {
		return err
	}

	cart, err := h.loadCart(ctx, tenant.ID, msg.From)
	if err != nil {
		return err
	}
	summary := formatCart(cart) + "\nReply CONFIRM to place the order, or \"cancel\" to start over."
	return h.msg.SendMessage(ctx, msg.From, summary)
}

// PlaceOrder finalizes a CHECKOUT_READY conversation: order row, accounting
// sync job, durable confirmation. The confirmation goes through the outbox
// only, so the customer hears about the order exactly once.
func (h *Handler) PlaceOrder(ctx context.Context, tenant *models.Tenant, rawPhone string) error {
	canonical := phone.Normalize(rawPhone)

	cart, err := h.loadCart(ctx, tenant.ID, rawPhone)
	if err != nil {
		return err
	}
	if len(cart) == 0 {
		h.convo.ResetState(ctx, tenant.ID, rawPhone)
		return h.msg.SendMessage(ctx, rawPhone, "Your cart is empty, so there's nothing to place. Send a product code to start again.")
	}

	itemsJSON, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("cart marshal failed: %w", err)
	}

	var total float64
	for _, item := range cart {
		total += float64(item.Quantity) * item.UnitPrice
	}

	now := time.Now()
	order := models.Order{
		ID:         util.GenerateOrderID(),
		TenantID:   tenant.ID,
		Phone:      canonical,
		ItemsJSON:  string(itemsJSON),
		Total:      total,
		Status:     "placed",
		SyncStatus: models.SyncStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.orders.CreateOrder(order); err != nil {
		return fmt.Errorf("order create failed: %w", err)
	}

	if _, _, err := h.convo.SetState(ctx, tenant.ID, rawPhone, models.StateOrderPlaced, false); err != nil {
		slog.Error("Commerce.PlaceOrder state transition failed", "error", err, "orderID", order.ID)
	}
	if err := h.saveCart(ctx, tenant.ID, rawPhone, nil); err != nil {
		slog.Error("Commerce.PlaceOrder cart clear failed", "error", err, "orderID", order.ID)
	}

	payload, _ := json.Marshal(accountingPayload{OrderID: order.ID, TenantID: tenant.ID})
	if _, err := h.syncJobs.EnqueueSyncJob(SyncJobKindAccounting, now, string(payload), order.ID); err != nil {
		slog.Error("Commerce.PlaceOrder sync enqueue failed", "error", err, "orderID", order.ID)
	}

	confirmation := fmt.Sprintf("Order %s placed! %d item(s)", order.ID, len(cart))
	if total > 0 {
		confirmation += fmt.Sprintf(", total ₹%.2f", total)
	}
	confirmation += ". We'll message you when it ships."
	confirmationJSON, _ := json.Marshal(map[string]string{"text": confirmation})
	if _, err := h.outbox.EnqueueOutboxMessage(tenant.ID, canonical, OutboxKindOrderConfirmation, string(confirmationJSON), "confirm_"+order.ID); err != nil {
		slog.Error("Commerce.PlaceOrder confirmation enqueue failed, sending directly", "error", err, "orderID", order.ID)
		return h.msg.SendMessage(ctx, rawPhone, confirmation)
	}

	slog.Info("Commerce.PlaceOrder", "tenantID", tenant.ID, "orderID", order.ID, "items", len(cart), "total", total)
	return nil
}

// HandleUnclassified is the fallback for messages no rule and no classifier
// could act on. It nudges the customer toward something actionable.
func (h *Handler) HandleUnclassified(ctx context.Context, tenant *models.Tenant, msg models.InboundMessage) error {
	if _, _, err := h.convo.SetState(ctx, tenant.ID, msg.From, models.StateBrowsing, false); err != nil && err != models.ErrInvalidTransition {
		return err
	}
	return h.msg.SendMessage(ctx, msg.From, "I can help you order. Send a product code with a quantity (e.g. \"10x140 5 ctns\"), ask a price, or say \"view cart\".")
}

// HandleMediaMessage records a non-text payload (GST certificates, invoices)
// against the conversation and acknowledges it.
func (h *Handler) HandleMediaMessage(ctx context.Context, tenant *models.Tenant, msg models.InboundMessage) error {
	ref := string(msg.Type)
	if msg.MessageID != "" {
		ref += ":" + msg.MessageID
	}
	if err := h.convo.SetContextValue(ctx, tenant.ID, msg.From, ctxKeyLastDocument, ref); err != nil {
		slog.Error("Commerce.HandleMediaMessage context write failed", "error", err, "tenantID", tenant.ID)
	}
	return h.msg.SendMessage(ctx, msg.From, "Got your document, thanks. A human will take a look if anything needs action.")
}

func (h *Handler) loadCart(ctx context.Context, tenantID, rawPhone string) ([]CartItem, error) {
	convoCtx, err := h.convo.GetContext(ctx, tenantID, rawPhone)
	if err != nil {
		return nil, err
	}
	raw := convoCtx[ctxKeyCart]
	if raw == "" {
		return nil, nil
	}
	var cart []CartItem
	if err := json.Unmarshal([]byte(raw), &cart); err != nil {
		slog.Warn("Commerce.loadCart corrupt cart context, starting empty", "tenantID", tenantID, "error", err)
		return nil, nil
	}
	return cart, nil
}

func (h *Handler) saveCart(ctx context.Context, tenantID, rawPhone string, cart []CartItem) error {
	if len(cart) == 0 {
		return h.convo.SetContextValue(ctx, tenantID, rawPhone, ctxKeyCart, "")
	}
	raw, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("cart marshal failed: %w", err)
	}
	return h.convo.SetContextValue(ctx, tenantID, rawPhone, ctxKeyCart, string(raw))
}

func formatCart(cart []CartItem) string {
	if len(cart) == 0 {
		return "Your cart is empty."
	}
	var b strings.Builder
	b.WriteString("Your cart:\n")
	var total float64
	for _, item := range cart {
		fmt.Fprintf(&b, "- %s × %d %s", item.ProductCode, item.Quantity, orUnits(item.Unit))
		if item.UnitPrice > 0 {
			fmt.Fprintf(&b, " @ ₹%.2f", item.UnitPrice)
			total += float64(item.Quantity) * item.UnitPrice
		}
		b.WriteString("\n")
	}
	if total > 0 {
		fmt.Fprintf(&b, "Total: ₹%.2f\n", total)
	}
	b.WriteString("Say \"checkout\" to place the order.")
	return b.String()
}

func orUnits(unit string) string {
	if unit == "" {
		return "units"
	}
	return unit
}

// parseQuantity pulls the first number (and optional unit word) out of text.
func parseQuantity(text string) (int, string) {
	m := quantityRe.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return 0, ""
	}
	qty, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, ""
	}
	return qty, m[2]
}
