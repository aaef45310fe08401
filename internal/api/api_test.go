package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/ShopFlow/internal/admin"
	"github.com/BTreeMap/ShopFlow/internal/commerce"
	"github.com/BTreeMap/ShopFlow/internal/convo"
	"github.com/BTreeMap/ShopFlow/internal/dispatch"
	"github.com/BTreeMap/ShopFlow/internal/models"
	"github.com/BTreeMap/ShopFlow/internal/profile"
	"github.com/BTreeMap/ShopFlow/internal/registration"
	"github.com/BTreeMap/ShopFlow/internal/store"
)

type nullMessenger struct{}

func (nullMessenger) ValidateAndCanonicalizeRecipient(r string) (string, error) { return r, nil }
func (nullMessenger) SendMessage(ctx context.Context, to, body string) error    { return nil }
func (nullMessenger) Start(ctx context.Context) error                           { return nil }
func (nullMessenger) Stop() error                                               { return nil }
func (nullMessenger) Messages() <-chan models.InboundMessage                    { return nil }

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	st.AddTenant(models.Tenant{ID: "tenant1", Name: "Test Traders", BotPhone: "918800000001"})

	messenger := nullMessenger{}
	convoStore := convo.NewStore(st)
	commerceHandler := commerce.NewHandler(convoStore, st, st, st, st, messenger)
	adminHandler := admin.NewHandler(st, st, st, messenger)
	regManager := registration.NewManager(st, st, messenger)
	dispatcher := dispatch.NewDispatcher(st, st, convoStore, profile.NewGuarantor(st), regManager, adminHandler, commerceHandler, nil, messenger)

	return NewServer(dispatcher, st, messenger), st
}

func TestWebhookAcceptsValidMessage(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"from":"919876543210","to":"918800000001","type":"text","text":"hello"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/message", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.webhookHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var resp models.APIResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(models.APIStatusAccepted) {
		t.Errorf("response status = %q, want accepted", resp.Status)
	}
}

func TestWebhookRejectsBadJSON(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook/message", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	s.webhookHandler(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestWebhookRequiresFromAndTo(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook/message", strings.NewReader(`{"text":"hi"}`))
	w := httptest.NewRecorder()
	s.webhookHandler(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook/message", nil)
	w := httptest.NewRecorder()
	s.webhookHandler(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.healthHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestTenantOrdersListing(t *testing.T) {
	s, st := newTestServer(t)

	for _, id := range []string{"ord_1", "ord_2"} {
		if err := st.CreateOrder(models.Order{ID: id, TenantID: "tenant1", Phone: "919876543210", Status: "placed", SyncStatus: models.SyncStatusPending}); err != nil {
			t.Fatalf("CreateOrder error: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/tenants/tenant1/orders", nil)
	w := httptest.NewRecorder()
	s.tenantsHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Status string         `json:"status"`
		Result []models.Order `json:"result"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Result) != 2 {
		t.Errorf("got %d orders, want 2", len(resp.Result))
	}
}

func TestTenantOrdersEmptyTenant(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/tenants/ghost/orders", nil)
	w := httptest.NewRecorder()
	s.tenantsHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with empty list", w.Code)
	}
	var resp struct {
		Status string         `json:"status"`
		Result []models.Order `json:"result"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Result) != 0 {
		t.Errorf("got %d orders for an unknown tenant, want 0", len(resp.Result))
	}
}

func TestTenantOrdersBadPath(t *testing.T) {
	s, _ := newTestServer(t)

	for _, path := range []string{"/tenants/", "/tenants/tenant1", "/tenants/tenant1/unknown"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.tenantsHandler(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, w.Code)
		}
	}
}
