package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/ShopFlow/internal/models"
	"github.com/BTreeMap/ShopFlow/internal/phone"
	"github.com/BTreeMap/ShopFlow/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using the Twilio API.
// Inbound messages arrive through TwilioWebhookHandler rather than a live
// connection.
type TwilioService struct {
	client   twiliowhatsapp.TwilioWhatsAppSender
	botPhone string
	messages chan models.InboundMessage
	done     chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

// NewTwilioService creates a new TwilioService around the given sender.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, botPhone string) *TwilioService {
	return &TwilioService{
		client:   client,
		botPhone: phone.Normalize(botPhone),
		messages: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient reduces a recipient to canonical digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical := phone.Normalize(recipient)
	if canonical == "" {
		return "", fmt.Errorf("invalid recipient: no digits found in %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid recipient: %q is too short", canonical)
	}
	if recipient != canonical {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio (webhook driven).
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.messages)
	}()

	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}

	return s.client.SendMessage(ctx, canonicalTo, body)
}

// Messages returns the channel of inbound messages.
func (s *TwilioService) Messages() <-chan models.InboundMessage {
	return s.messages
}

// TwilioWebhookHandler handles inbound Twilio webhook requests, converting
// them into inbound messages on the Messages channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Info("Twilio webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	to := r.FormValue("To")
	if to == "" {
		to = s.botPhone
	}

	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	msg := models.InboundMessage{
		From:      from,
		To:        to,
		Type:      models.MessageTypeText,
		Text:      body,
		Timestamp: time.Now().Unix(),
	}
	if r.FormValue("NumMedia") != "" && r.FormValue("NumMedia") != "0" {
		msg.Type = models.MessageTypeMedia
	}

	s.safeEmitMessage(msg)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// safeEmitMessage pushes a message into the channel unless stopped or blocked.
func (s *TwilioService) safeEmitMessage(msg models.InboundMessage) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.From)
		return
	}

	select {
	case s.messages <- msg:
		slog.Debug("TwilioService emitted inbound message", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService messages channel blocked, dropping message", "from", msg.From)
	}
}
