package registration

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ShopFlow/internal/models"
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

const (
	tenantID  = "tenant1"
	testPhone = "919876543210"
)

func newTestManager(t *testing.T) (*Manager, *store.InMemoryStore, *mockMessenger) {
	t.Helper()
	st := store.NewInMemoryStore()
	msg := &mockMessenger{}
	return NewManager(st, st, msg), st, msg
}

func reply(text string) models.InboundMessage {
	return models.InboundMessage{From: testPhone, To: "918800000001", Type: models.MessageTypeText, Text: text}
}

func TestBeginStartsDialogue(t *testing.T) {
	m, _, msg := newTestManager(t)
	ctx := context.Background()

	if m.InProgress(ctx, tenantID, testPhone) {
		t.Fatal("no registration should be in progress before Begin")
	}
	if err := m.Begin(ctx, tenantID, testPhone); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if !m.InProgress(ctx, tenantID, testPhone) {
		t.Error("registration should be in progress after Begin")
	}
	if !strings.Contains(msg.lastSent(), "business name") {
		t.Errorf("opening question %q should ask for the business name", msg.lastSent())
	}
}

func TestBeginEmptyPhone(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.Begin(context.Background(), tenantID, "   "); err != models.ErrEmptyPhone {
		t.Errorf("Begin with blank phone = %v, want ErrEmptyPhone", err)
	}
}

func TestFullDialogue(t *testing.T) {
	m, st, msg := newTestManager(t)
	ctx := context.Background()

	if err := st.InsertProfile(models.CustomerProfile{ID: "cust_1", TenantID: tenantID, Phone: testPhone}); err != nil {
		t.Fatalf("InsertProfile error: %v", err)
	}
	if err := m.Begin(ctx, tenantID, testPhone); err != nil {
		t.Fatalf("Begin error: %v", err)
	}

	if err := m.HandleMessage(ctx, tenantID, reply("Sharma Hardware")); err != nil {
		t.Fatalf("name step error: %v", err)
	}
	if !strings.Contains(msg.lastSent(), "deal in") {
		t.Errorf("category question %q", msg.lastSent())
	}

	if err := m.HandleMessage(ctx, tenantID, reply("hardware")); err != nil {
		t.Fatalf("category step error: %v", err)
	}
	if !strings.Contains(msg.lastSent(), "Sharma Hardware") {
		t.Errorf("confirmation summary %q should repeat the name", msg.lastSent())
	}

	if err := m.HandleMessage(ctx, tenantID, reply("yes")); err != nil {
		t.Fatalf("confirm step error: %v", err)
	}

	if m.InProgress(ctx, tenantID, testPhone) {
		t.Error("registration row should be cleared after completion")
	}
	profile, err := st.GetProfile(tenantID, testPhone)
	if err != nil || profile == nil {
		t.Fatalf("GetProfile: profile=%v err=%v", profile, err)
	}
	if profile.Name != "Sharma Hardware" {
		t.Errorf("profile name = %q, want the registered business name", profile.Name)
	}
	if !strings.Contains(msg.lastSent(), "Welcome aboard") {
		t.Errorf("completion reply %q", msg.lastSent())
	}
}

func TestConfirmNoRestarts(t *testing.T) {
	m, _, msg := newTestManager(t)
	ctx := context.Background()

	if err := m.Begin(ctx, tenantID, testPhone); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if err := m.HandleMessage(ctx, tenantID, reply("Wrong Name")); err != nil {
		t.Fatalf("name step error: %v", err)
	}
	if err := m.HandleMessage(ctx, tenantID, reply("textiles")); err != nil {
		t.Fatalf("category step error: %v", err)
	}
	if err := m.HandleMessage(ctx, tenantID, reply("no")); err != nil {
		t.Fatalf("reject step error: %v", err)
	}

	if !strings.Contains(msg.lastSent(), "start over") {
		t.Errorf("reply %q should restart the dialogue", msg.lastSent())
	}
	if !m.InProgress(ctx, tenantID, testPhone) {
		t.Error("registration should still be in progress after a NO")
	}
}

func TestConfirmUnrecognizedAnswerReprompts(t *testing.T) {
	m, _, msg := newTestManager(t)
	ctx := context.Background()

	if err := m.Begin(ctx, tenantID, testPhone); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if err := m.HandleMessage(ctx, tenantID, reply("Some Shop")); err != nil {
		t.Fatalf("name step error: %v", err)
	}
	if err := m.HandleMessage(ctx, tenantID, reply("electronics")); err != nil {
		t.Fatalf("category step error: %v", err)
	}
	if err := m.HandleMessage(ctx, tenantID, reply("maybe")); err != nil {
		t.Fatalf("ambiguous confirm error: %v", err)
	}
	if !strings.Contains(msg.lastSent(), "YES") {
		t.Errorf("reply %q should re-ask for YES/NO", msg.lastSent())
	}
}

func TestExpiredRegistrationRestarts(t *testing.T) {
	m, st, msg := newTestManager(t)
	ctx := context.Background()

	// Seed an already-expired row directly; Get ignores it.
	err := st.PutRegistration(models.RegistrationProgress{
		TenantID:  tenantID,
		Phone:     testPhone,
		Step:      StepCategory,
		ExpiresAt: time.Now().Add(-time.Minute),
		UpdatedAt: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("PutRegistration error: %v", err)
	}

	if m.InProgress(ctx, tenantID, testPhone) {
		t.Error("expired registration must not count as in progress")
	}

	if err := m.HandleMessage(ctx, tenantID, reply("hardware")); err != nil {
		t.Fatalf("HandleMessage error: %v", err)
	}
	if !strings.Contains(msg.lastSent(), "business name") {
		t.Errorf("reply %q should restart from the first question", msg.lastSent())
	}
}

func TestStepWritesRefreshExpiry(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Begin(ctx, tenantID, testPhone); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	before, err := st.GetRegistration(tenantID, testPhone)
	if err != nil || before == nil {
		t.Fatalf("GetRegistration: reg=%v err=%v", before, err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := m.HandleMessage(ctx, tenantID, reply("Sharma Hardware")); err != nil {
		t.Fatalf("name step error: %v", err)
	}
	after, err := st.GetRegistration(tenantID, testPhone)
	if err != nil || after == nil {
		t.Fatalf("GetRegistration: reg=%v err=%v", after, err)
	}
	if !after.ExpiresAt.After(before.ExpiresAt) {
		t.Error("expiry should be refreshed on every step write")
	}
	if after.Step != StepCategory {
		t.Errorf("step = %q, want category", after.Step)
	}
}

func TestIsRegistrationRequest(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"register", true},
		{"  REGISTER  ", true},
		{"sign up", true},
		{"new account", true},
		{"register my complaint", false},
		{"10x140 5 ctns", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsRegistrationRequest(tc.text); got != tc.want {
			t.Errorf("IsRegistrationRequest(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestAbortClearsProgress(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Begin(ctx, tenantID, testPhone); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	m.Abort(ctx, tenantID, testPhone)

	if m.InProgress(ctx, tenantID, testPhone) {
		t.Error("registration should not be in progress after Abort")
	}
}

func TestNonTextReplyReprompts(t *testing.T) {
	m, _, msg := newTestManager(t)
	ctx := context.Background()

	if err := m.Begin(ctx, tenantID, testPhone); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if err := m.HandleMessage(ctx, tenantID, reply("   ")); err != nil {
		t.Fatalf("blank reply error: %v", err)
	}
	if !strings.Contains(msg.lastSent(), "reply with text") {
		t.Errorf("reply %q should ask for text", msg.lastSent())
	}
}
