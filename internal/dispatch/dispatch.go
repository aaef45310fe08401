// Package dispatch routes inbound messages to exactly one handler. The
// priority order is fixed: escape, registration, admin commands, structured
// checkout input, the rule cascade, and only then the AI classifier.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/ShopFlow/internal/admin"
	"github.com/BTreeMap/ShopFlow/internal/commerce"
	"github.com/BTreeMap/ShopFlow/internal/convo"
	"github.com/BTreeMap/ShopFlow/internal/intent"
	"github.com/BTreeMap/ShopFlow/internal/messaging"
	"github.com/BTreeMap/ShopFlow/internal/models"
	"github.com/BTreeMap/ShopFlow/internal/phone"
	"github.com/BTreeMap/ShopFlow/internal/profile"
	"github.com/BTreeMap/ShopFlow/internal/registration"
	"github.com/BTreeMap/ShopFlow/internal/store"
)

// Classifier is the AI fallback consulted only when the rule cascade has no
// answer. A nil Classifier disables the fallback.
type Classifier interface {
	ClassifyMessage(ctx context.Context, tenantID, fromPhone, text string) (models.AIClassification, error)
}

// Dispatcher owns message routing for all tenants.
type Dispatcher struct {
	tenants      store.TenantRepo
	dedup        store.DedupRepo
	convo        *convo.Store
	profiles     *profile.Guarantor
	registration *registration.Manager
	admin        *admin.Handler
	commerce     *commerce.Handler
	classifier   Classifier
	msg          messaging.Service
}

// NewDispatcher wires a dispatcher. classifier may be nil, in which case
// unmatched messages get the generic commerce fallback.
func NewDispatcher(tenants store.TenantRepo, dedup store.DedupRepo, convoStore *convo.Store, profiles *profile.Guarantor, reg *registration.Manager, adminHandler *admin.Handler, commerceHandler *commerce.Handler, classifier Classifier, msg messaging.Service) *Dispatcher {
	return &Dispatcher{
		tenants:      tenants,
		dedup:        dedup,
		convo:        convoStore,
		profiles:     profiles,
		registration: reg,
		admin:        adminHandler,
		commerce:     commerceHandler,
		classifier:   classifier,
		msg:          msg,
	}
}

// Run consumes the transport's inbound channel until the context is done.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("Dispatcher.Run: starting")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Dispatcher.Run: stopping")
			return
		case msg, ok := <-d.msg.Messages():
			if !ok {
				slog.Info("Dispatcher.Run: message channel closed")
				return
			}
			d.Dispatch(ctx, msg)
		}
	}
}

// Dispatch routes one inbound message. It never panics out: any handler
// failure turns into an apologetic reply so the customer is not left hanging.
func (d *Dispatcher) Dispatch(ctx context.Context, msg models.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher.Dispatch: handler panicked", "panic", r, "from", phone.Normalize(msg.From))
			d.apologize(ctx, msg.From)
		}
	}()

	if err := d.dispatch(ctx, msg); err != nil {
		slog.Error("Dispatcher.Dispatch: handler failed", "error", err, "from", phone.Normalize(msg.From))
		d.apologize(ctx, msg.From)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg models.InboundMessage) error {
	tenant, err := d.tenants.GetTenantByBotPhone(phone.Normalize(msg.To))
	if err != nil {
		return err
	}
	if tenant == nil {
		slog.Warn("Dispatcher.dispatch: no tenant for bot phone", "to", phone.Normalize(msg.To))
		return d.msg.SendMessage(ctx, msg.From, "This number isn't set up as a store yet.")
	}

	// Gateways redeliver: a message ID seen before is dropped silently. A
	// dedup store error degrades to processing the message anyway.
	if msg.MessageID != "" {
		fresh, err := d.dedup.RecordInboundMessage(tenant.ID, msg.MessageID)
		if err != nil {
			slog.Error("Dispatcher.dispatch: inbound dedup failed, continuing", "error", err, "tenantID", tenant.ID)
		} else if !fresh {
			slog.Info("Dispatcher.dispatch: duplicate inbound message dropped", "tenantID", tenant.ID, "messageID", msg.MessageID)
			return nil
		}
	}

	// Profile creation is best-effort: a store hiccup degrades the pipeline
	// instead of dropping the message.
	if _, _, err := d.profiles.EnsureProfile(ctx, tenant.ID, msg.From); err != nil {
		slog.Error("Dispatcher.dispatch: profile guarantee failed, continuing degraded", "error", err, "tenantID", tenant.ID)
	}

	if !msg.IsText() {
		return d.commerce.HandleMediaMessage(ctx, tenant, msg)
	}

	// 1. Escape keyword aborts whatever was in progress, registration included.
	if intent.IsEscapeKeyword(msg.Text) {
		d.convo.ResetState(ctx, tenant.ID, msg.From)
		d.registration.Abort(ctx, tenant.ID, msg.From)
		slog.Info("Dispatcher.dispatch: escape keyword, conversation reset", "tenantID", tenant.ID)
		return d.msg.SendMessage(ctx, msg.From, "No problem, starting fresh. What would you like to order?")
	}

	// 2. A live registration dialogue owns the message; a registration keyword
	// starts one.
	if d.registration.InProgress(ctx, tenant.ID, msg.From) {
		return d.registration.HandleMessage(ctx, tenant.ID, msg)
	}
	if registration.IsRegistrationRequest(msg.Text) {
		return d.registration.Begin(ctx, tenant.ID, msg.From)
	}

	// 3. Slash commands, gated on admin status except for the public ones.
	if admin.IsCommand(msg.Text) {
		cmd, _ := admin.SplitCommand(msg.Text)
		if admin.IsAdmin(tenant, msg.From) || admin.AlwaysRoutable(cmd) {
			return d.admin.Handle(ctx, tenant, msg)
		}
		// Non-admin slash messages fall through to classification.
	}

	state, _, err := d.convo.GetState(ctx, tenant.ID, msg.From)
	if err != nil {
		return err
	}

	// 4. States awaiting a structured reply consume the message, unless the
	// customer has clearly moved on to a new product request.
	if state.IsAwaitingStructuredInput() {
		if !intent.LooksLikeProductRequest(msg.Text) {
			return d.commerce.HandleStructuredInput(ctx, tenant, msg, state)
		}
		if _, _, err := d.convo.SetState(ctx, tenant.ID, msg.From, models.StateCartActive, true); err != nil {
			return err
		}
		slog.Info("Dispatcher.dispatch: abandoned structured step for new product request", "tenantID", tenant.ID, "was", state)
	}

	if state == models.StateCheckoutReady && commerce.IsConfirmation(msg.Text) {
		return d.commerce.PlaceOrder(ctx, tenant, msg.From)
	}

	// 5. Deterministic rule cascade.
	if result := intent.Classify(msg.Text); result.Matched() {
		return d.commerce.HandleRuleMatch(ctx, tenant, msg, result)
	}

	// 6. AI classifier, with the commerce fallback on any trouble.
	if d.classifier == nil {
		return d.commerce.HandleUnclassified(ctx, tenant, msg)
	}

	ai, err := d.classifier.ClassifyMessage(ctx, tenant.ID, phone.Normalize(msg.From), msg.Text)
	if err != nil {
		slog.Warn("Dispatcher.dispatch: classifier unavailable, using fallback", "error", err, "tenantID", tenant.ID)
		return d.commerce.HandleUnclassified(ctx, tenant, msg)
	}

	switch {
	case ai.Action == "respond" && ai.Response != "":
		if err := d.convo.SetContextValue(ctx, tenant.ID, msg.From, "last_ai_reply", ai.Response); err != nil {
			slog.Error("Dispatcher.dispatch: recording AI turn failed", "error", err, "tenantID", tenant.ID)
		}
		return d.msg.SendMessage(ctx, msg.From, ai.Response)
	default:
		return d.commerce.HandleUnclassified(ctx, tenant, msg)
	}
}

func (d *Dispatcher) apologize(ctx context.Context, to string) {
	if err := d.msg.SendMessage(ctx, to, "Sorry, something went wrong on our side. Please try that again in a moment."); err != nil {
		slog.Error("Dispatcher.apologize: reply failed", "error", err)
	}
}
