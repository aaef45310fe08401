// Package api provides the HTTP surface of ShopFlow: the inbound message
// webhook, a health probe, and thin read endpoints for the admin UI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/ShopFlow/internal/dispatch"
	"github.com/BTreeMap/ShopFlow/internal/messaging"
	"github.com/BTreeMap/ShopFlow/internal/models"
	"github.com/BTreeMap/ShopFlow/internal/store"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// defaultOrdersLimit caps the tenant orders listing.
const defaultOrdersLimit = 50

// Opts holds configuration for the API server.
type Opts struct {
	Addr string
}

// Option configures the server.
type Option func(*Opts)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server is the ShopFlow HTTP server.
type Server struct {
	addr       string
	dispatcher *dispatch.Dispatcher
	orders     store.OrderRepo
	msgService messaging.Service
	httpServer *http.Server
}

// NewServer creates the API server around the dispatcher and order store.
func NewServer(dispatcher *dispatch.Dispatcher, orders store.OrderRepo, msgService messaging.Service, opts ...Option) *Server {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	slog.Debug("Server.NewServer", "addr", o.Addr)
	return &Server{
		addr:       o.Addr,
		dispatcher: dispatcher,
		orders:     orders,
		msgService: msgService,
	}
}

// Start begins serving in a background goroutine. Call Shutdown to stop.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/message", s.webhookHandler)
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.HandleFunc("/tenants/", s.tenantsHandler)

	// The Twilio transport delivers inbound traffic over HTTP; mount its
	// webhook when that transport is active.
	if twilioSvc, ok := s.msgService.(*messaging.TwilioService); ok {
		mux.HandleFunc("/webhook/twilio", twilioSvc.TwilioWebhookHandler)
		slog.Info("Server.Start: Twilio webhook mounted", "path", "/webhook/twilio")
	}

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Server.Start: listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server.Start: listen error", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	slog.Info("Server.Shutdown: stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// webhookHandler ingests a gateway message. Once the payload parses, the
// response is always 200: handler failures must not trigger gateway retries,
// they surface to the customer through the dispatcher's fallback reply.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var msg models.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		slog.Warn("Server.webhookHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if msg.From == "" || msg.To == "" {
		slog.Warn("Server.webhookHandler: missing fields", "from_set", msg.From != "", "to_set", msg.To != "")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Both from and to are required"))
		return
	}
	if msg.Type == "" {
		msg.Type = models.MessageTypeText
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}

	// Routing runs off the request goroutine so a slow handler never holds
	// the gateway connection open.
	go s.dispatcher.Dispatch(context.Background(), msg)

	slog.Debug("Server.webhookHandler: message accepted", "to", msg.To, "type", msg.Type)
	writeJSONResponse(w, http.StatusOK, models.Accepted())
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

// tenantsHandler serves GET /tenants/{id}/orders.
func (s *Server) tenantsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/tenants/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "orders" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}
	tenantID := parts[0]

	orders, err := s.orders.ListOrdersByTenant(tenantID, defaultOrdersLimit)
	if err != nil {
		slog.Error("Server.tenantsHandler: order listing failed", "error", err, "tenantID", tenantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list orders"))
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(orders))
}
