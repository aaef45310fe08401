package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ShopFlow/internal/admin"
	"github.com/BTreeMap/ShopFlow/internal/commerce"
	"github.com/BTreeMap/ShopFlow/internal/convo"
	"github.com/BTreeMap/ShopFlow/internal/models"
	"github.com/BTreeMap/ShopFlow/internal/profile"
	"github.com/BTreeMap/ShopFlow/internal/registration"
	"github.com/BTreeMap/ShopFlow/internal/store"
)

type mockMessenger struct {
	mu   sync.Mutex
	sent []string
}

func (m *mockMessenger) ValidateAndCanonicalizeRecipient(r string) (string, error) { return r, nil }

func (m *mockMessenger) SendMessage(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, body)
	return nil
}

func (m *mockMessenger) Start(ctx context.Context) error        { return nil }
func (m *mockMessenger) Stop() error                            { return nil }
func (m *mockMessenger) Messages() <-chan models.InboundMessage { return nil }

func (m *mockMessenger) lastSent() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return ""
	}
	return m.sent[len(m.sent)-1]
}

// mockClassifier counts invocations so tests can assert it was never reached.
type mockClassifier struct {
	mu     sync.Mutex
	calls  int
	result models.AIClassification
	err    error
}

func (c *mockClassifier) ClassifyMessage(ctx context.Context, tenantID, fromPhone, text string) (models.AIClassification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.result, c.err
}

func (c *mockClassifier) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

const (
	botPhone      = "918800000001"
	customerPhone = "919876543210"
	adminPhone    = "919811111111"
	tenantID      = "tenant1"
)

type fixture struct {
	dispatcher *Dispatcher
	store      *store.InMemoryStore
	convo      *convo.Store
	messenger  *mockMessenger
	classifier *mockClassifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	st.AddTenant(models.Tenant{
		ID:                 tenantID,
		Name:               "Test Traders",
		BotPhone:           botPhone,
		AdminPhones:        []string{adminPhone},
		SubscriptionStatus: "active",
	})

	messenger := &mockMessenger{}
	classifier := &mockClassifier{result: models.AIClassification{Action: "respond", Response: "ai says hi"}}
	convoStore := convo.NewStore(st)
	commerceHandler := commerce.NewHandler(convoStore, st, st, st, st, messenger)
	adminHandler := admin.NewHandler(st, st, st, messenger)
	regManager := registration.NewManager(st, st, messenger)
	guarantor := profile.NewGuarantor(st)

	d := NewDispatcher(st, st, convoStore, guarantor, regManager, adminHandler, commerceHandler, classifier, messenger)
	return &fixture{dispatcher: d, store: st, convo: convoStore, messenger: messenger, classifier: classifier}
}

func textMessage(from, text string) models.InboundMessage {
	return models.InboundMessage{From: from, To: botPhone, Type: models.MessageTypeText, Text: text}
}

func TestQuantityOnlySkipsClassifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// An earlier exchange left a product in context.
	if err := f.convo.SetContextValue(ctx, tenantID, customerPhone, "last_product", "10x140"); err != nil {
		t.Fatalf("seed context: %v", err)
	}

	f.dispatcher.Dispatch(ctx, textMessage(customerPhone, "5 ctns"))

	if f.classifier.callCount() != 0 {
		t.Errorf("classifier called %d times, want 0 for a rule match", f.classifier.callCount())
	}
	if !strings.Contains(f.messenger.lastSent(), "Added 5") {
		t.Errorf("reply %q should confirm the cart add", f.messenger.lastSent())
	}
	if state, _, _ := f.convo.GetState(ctx, tenantID, customerPhone); state != models.StateCartActive {
		t.Errorf("state = %q, want CART_ACTIVE", state)
	}
}

func TestProductRequestAbandonsStructuredStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, s := range []models.State{models.StateCartActive, models.StateAwaitingTaxDetails, models.StateAwaitingShipping} {
		if _, _, err := f.convo.SetState(ctx, tenantID, customerPhone, s, true); err != nil {
			t.Fatalf("seed state %s: %v", s, err)
		}
	}

	f.dispatcher.Dispatch(ctx, textMessage(customerPhone, "10x140 10 ctns"))

	state, _, err := f.convo.GetState(ctx, tenantID, customerPhone)
	if err != nil {
		t.Fatalf("GetState error: %v", err)
	}
	if state != models.StateCartActive {
		t.Errorf("state = %q, want CART_ACTIVE after abandoning the shipping question", state)
	}
	if f.classifier.callCount() != 0 {
		t.Errorf("classifier called %d times, want 0", f.classifier.callCount())
	}
	if !strings.Contains(f.messenger.lastSent(), "Added 10") {
		t.Errorf("reply %q should confirm the new cart line", f.messenger.lastSent())
	}
}

func TestStructuredStateConsumesReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, s := range []models.State{models.StateCartActive, models.StateAwaitingTaxDetails, models.StateAwaitingShipping} {
		if _, _, err := f.convo.SetState(ctx, tenantID, customerPhone, s, true); err != nil {
			t.Fatalf("seed state %s: %v", s, err)
		}
	}

	f.dispatcher.Dispatch(ctx, textMessage(customerPhone, "courier"))

	if state, _, _ := f.convo.GetState(ctx, tenantID, customerPhone); state != models.StateAwaitingAddress {
		t.Errorf("state = %q, want AWAITING_ADDRESS", state)
	}
	if f.classifier.callCount() != 0 {
		t.Errorf("classifier called %d times, want 0 for structured input", f.classifier.callCount())
	}
}

func TestCancelInCheckoutReadyResets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, _, err := f.convo.SetState(ctx, tenantID, customerPhone, models.StateCheckoutReady, true); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	f.dispatcher.Dispatch(ctx, textMessage(customerPhone, "cancel"))

	if state, _, _ := f.convo.GetState(ctx, tenantID, customerPhone); state != models.StateInitial {
		t.Errorf("state = %q, want INITIAL after cancel", state)
	}
	if f.classifier.callCount() != 0 {
		t.Errorf("classifier called %d times, want 0 for an escape keyword", f.classifier.callCount())
	}
	if !strings.Contains(f.messenger.lastSent(), "starting fresh") {
		t.Errorf("reply %q should announce the reset", f.messenger.lastSent())
	}
	orders, _ := f.store.ListOrdersByTenant(tenantID, 10)
	if len(orders) != 0 {
		t.Errorf("cancel must not place an order, got %d", len(orders))
	}
}

func TestEscapeMatchesWholeMessageOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, _, err := f.convo.SetState(ctx, tenantID, customerPhone, models.StateBrowsing, true); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	// "cancel" embedded in a sentence is not an abort.
	f.dispatcher.Dispatch(ctx, textMessage(customerPhone, "can I cancel one item from my order"))

	if state, _, _ := f.convo.GetState(ctx, tenantID, customerPhone); state == models.StateInitial {
		t.Error("embedded escape word must not reset the conversation")
	}
}

func TestStatusAlwaysRoutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A customer mid-checkout, not an admin.
	for _, s := range []models.State{models.StateCartActive, models.StateAwaitingTaxDetails} {
		if _, _, err := f.convo.SetState(ctx, tenantID, customerPhone, s, true); err != nil {
			t.Fatalf("seed state %s: %v", s, err)
		}
	}

	f.dispatcher.Dispatch(ctx, textMessage(customerPhone, "/status"))

	if !strings.Contains(f.messenger.lastSent(), "active") {
		t.Errorf("reply %q should report subscription status even mid-checkout", f.messenger.lastSent())
	}
	if state, _, _ := f.convo.GetState(ctx, tenantID, customerPhone); state != models.StateAwaitingTaxDetails {
		t.Errorf("state = %q, /status must not disturb checkout", state)
	}
}

func TestAdminOnlyCommandFromStrangerFallsThrough(t *testing.T) {
	f := newFixture(t)
	f.classifier.result = models.AIClassification{Action: "respond", Response: "let me get a human"}

	f.dispatcher.Dispatch(context.Background(), textMessage(customerPhone, "/broadcast hello all"))

	if f.classifier.callCount() != 1 {
		t.Errorf("classifier calls = %d, want 1 (command not routable for non-admin)", f.classifier.callCount())
	}
	queued, _ := f.store.ClaimDueOutboxMessages(time.Now().Add(time.Second), 10)
	if len(queued) != 0 {
		t.Errorf("stranger /broadcast queued %d messages, want 0", len(queued))
	}
}

func TestAdminCommandFromAdminRoutes(t *testing.T) {
	f := newFixture(t)

	f.dispatcher.Dispatch(context.Background(), textMessage(adminPhone, "/orders"))

	if f.classifier.callCount() != 0 {
		t.Errorf("classifier called for an admin command")
	}
	if !strings.Contains(f.messenger.lastSent(), "No orders") {
		t.Errorf("reply %q should be the orders listing", f.messenger.lastSent())
	}
}

func TestUnknownBotPhone(t *testing.T) {
	f := newFixture(t)

	msg := models.InboundMessage{From: customerPhone, To: "917700000000", Type: models.MessageTypeText, Text: "hello"}
	f.dispatcher.Dispatch(context.Background(), msg)

	if !strings.Contains(f.messenger.lastSent(), "isn't set up") {
		t.Errorf("reply %q should explain the bot is not configured", f.messenger.lastSent())
	}
}

func TestClassifierRespondPath(t *testing.T) {
	f := newFixture(t)
	f.classifier.result = models.AIClassification{Action: "respond", Response: "We open at 10am."}

	f.dispatcher.Dispatch(context.Background(), textMessage(customerPhone, "what time do you open"))

	if f.classifier.callCount() != 1 {
		t.Fatalf("classifier calls = %d, want 1", f.classifier.callCount())
	}
	if f.messenger.lastSent() != "We open at 10am." {
		t.Errorf("reply %q, want the AI response verbatim", f.messenger.lastSent())
	}
}

func TestClassifierErrorFallsBack(t *testing.T) {
	f := newFixture(t)
	f.classifier.err = errors.New("classifier unavailable")

	f.dispatcher.Dispatch(context.Background(), textMessage(customerPhone, "hmm thinking about it"))

	if !strings.Contains(f.messenger.lastSent(), "product code") {
		t.Errorf("reply %q should be the generic commerce fallback", f.messenger.lastSent())
	}
}

func TestNilClassifierUsesFallback(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.classifier = nil

	f.dispatcher.Dispatch(context.Background(), textMessage(customerPhone, "hello there"))

	if !strings.Contains(f.messenger.lastSent(), "product code") {
		t.Errorf("reply %q should be the generic commerce fallback", f.messenger.lastSent())
	}
}

func TestMediaMessageRoutesToDocumentHandler(t *testing.T) {
	f := newFixture(t)

	msg := models.InboundMessage{From: customerPhone, To: botPhone, Type: models.MessageTypeDocument, MessageID: "DOC1"}
	f.dispatcher.Dispatch(context.Background(), msg)

	if f.classifier.callCount() != 0 {
		t.Errorf("classifier called for a document message")
	}
	if !strings.Contains(f.messenger.lastSent(), "document") {
		t.Errorf("reply %q should acknowledge the document", f.messenger.lastSent())
	}
}

func TestRegistrationOwnsTheDialogue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reg := registration.NewManager(f.store, f.store, f.messenger)
	if err := reg.Begin(ctx, tenantID, customerPhone); err != nil {
		t.Fatalf("Begin error: %v", err)
	}

	f.dispatcher.Dispatch(ctx, textMessage(customerPhone, "Sharma Hardware"))

	if f.classifier.callCount() != 0 {
		t.Errorf("classifier called during registration")
	}
	if !strings.Contains(f.messenger.lastSent(), "deal in") {
		t.Errorf("reply %q should be the next registration question", f.messenger.lastSent())
	}
}

func TestRegisterKeywordStartsOnboarding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Dispatch(ctx, textMessage(customerPhone, "register"))

	if f.classifier.callCount() != 0 {
		t.Errorf("classifier called %d times, want 0 for a registration request", f.classifier.callCount())
	}
	if !strings.Contains(f.messenger.lastSent(), "business name") {
		t.Errorf("reply %q should open the onboarding dialogue", f.messenger.lastSent())
	}
	reg, err := f.store.GetRegistration(tenantID, customerPhone)
	if err != nil || reg == nil {
		t.Fatalf("registration row not created: reg=%v err=%v", reg, err)
	}

	// The next message belongs to the dialogue, not the cascade.
	f.dispatcher.Dispatch(ctx, textMessage(customerPhone, "Sharma Hardware"))
	if !strings.Contains(f.messenger.lastSent(), "deal in") {
		t.Errorf("reply %q should be the category question", f.messenger.lastSent())
	}
}

func TestEscapeAbandonsRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Dispatch(ctx, textMessage(customerPhone, "register"))
	f.dispatcher.Dispatch(ctx, textMessage(customerPhone, "cancel"))

	reg, err := f.store.GetRegistration(tenantID, customerPhone)
	if err != nil {
		t.Fatalf("GetRegistration error: %v", err)
	}
	if reg != nil {
		t.Fatal("escape keyword should drop the registration row")
	}

	// The follow-up message must not resume the onboarding dialogue.
	f.dispatcher.Dispatch(ctx, textMessage(customerPhone, "10x140 5 ctns"))
	if !strings.Contains(f.messenger.lastSent(), "Added 5") {
		t.Errorf("reply %q should be a cart add, not a registration question", f.messenger.lastSent())
	}
}

func TestDuplicateInboundMessageDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := textMessage(customerPhone, "what time do you open")
	msg.MessageID = "WAMID1"

	f.dispatcher.Dispatch(ctx, msg)
	f.dispatcher.Dispatch(ctx, msg)

	if f.classifier.callCount() != 1 {
		t.Errorf("classifier calls = %d, want 1 (redelivery must be dropped)", f.classifier.callCount())
	}
	f.messenger.mu.Lock()
	sends := len(f.messenger.sent)
	f.messenger.mu.Unlock()
	if sends != 1 {
		t.Errorf("sent %d replies, want 1", sends)
	}

	// A different message ID from the same customer still goes through.
	msg.MessageID = "WAMID2"
	f.dispatcher.Dispatch(ctx, msg)
	if f.classifier.callCount() != 2 {
		t.Errorf("classifier calls = %d, want 2 after a fresh message ID", f.classifier.callCount())
	}
}

func TestConfirmInCheckoutReadyPlacesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.convo.SetContextValue(ctx, tenantID, customerPhone, "cart", `[{"product_code":"10x140","quantity":4,"unit":"ctns"}]`); err != nil {
		t.Fatalf("seed cart: %v", err)
	}
	if _, _, err := f.convo.SetState(ctx, tenantID, customerPhone, models.StateCheckoutReady, true); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	f.dispatcher.Dispatch(ctx, textMessage(customerPhone, "confirm"))

	orders, _ := f.store.ListOrdersByTenant(tenantID, 10)
	if len(orders) != 1 {
		t.Fatalf("got %d orders, want 1", len(orders))
	}
	if state, _, _ := f.convo.GetState(ctx, tenantID, customerPhone); state != models.StateOrderPlaced {
		t.Errorf("state = %q, want ORDER_PLACED", state)
	}
}

func TestEnsureProfileOnEveryMessage(t *testing.T) {
	f := newFixture(t)

	f.dispatcher.Dispatch(context.Background(), textMessage(customerPhone, "hello"))

	p, err := f.store.GetProfile(tenantID, customerPhone)
	if err != nil || p == nil {
		t.Fatalf("profile not created: profile=%v err=%v", p, err)
	}
}
