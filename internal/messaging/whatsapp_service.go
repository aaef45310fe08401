package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ShopFlow/internal/models"
	"github.com/BTreeMap/ShopFlow/internal/phone"
	"github.com/BTreeMap/ShopFlow/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// Constants for WhatsAppService configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for the inbound message channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // access to underlying client for event handling
	botPhone string
	messages chan models.InboundMessage
	done     chan struct{}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
// botPhone identifies the tenant line; it is stamped on every inbound message.
func NewWhatsAppService(client whatsapp.WhatsAppSender, botPhone string) *WhatsAppService {
	service := &WhatsAppService{
		client:   client,
		botPhone: phone.Normalize(botPhone),
		messages: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}

	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		if service.botPhone == "" {
			service.botPhone = waClient.BotPhone()
		}
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient reduces a recipient to canonical digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical := phone.Normalize(recipient)
	if canonical == "" {
		return "", fmt.Errorf("invalid recipient: no digits found in %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid recipient: %q is too short", canonical)
	}
	return canonical, nil
}

// Start begins background event processing.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")

	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
	}

	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	close(s.done)
	close(s.messages)
	return nil
}

// SendMessage sends a message after canonicalizing the recipient.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	slog.Debug("WhatsAppService SendMessage invoked", "to", canonical, "body_length", len(body))
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonical)
		return err
	}
	return nil
}

// Messages returns the channel of inbound messages.
func (s *WhatsAppService) Messages() <-chan models.InboundMessage {
	return s.messages
}

// handleEvents registers a whatsmeow event handler feeding the messages channel.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		default:
			// Receipts, presence and connection events are not routed.
		}
	})

	slog.Debug("WhatsAppService event handler registered")
	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage converts a whatsmeow message event into the inbound
// envelope. Media payloads keep their type so the dispatcher can route them
// to the document handler instead of the classifier.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}

	msg := models.InboundMessage{
		MessageID: evt.Info.ID,
		From:      evt.Info.Sender.User,
		To:        s.botPhone,
		Timestamp: evt.Info.Timestamp.Unix(),
	}

	switch {
	case evt.Message.Conversation != nil:
		msg.Type = models.MessageTypeText
		msg.Text = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		msg.Type = models.MessageTypeText
		msg.Text = *evt.Message.ExtendedTextMessage.Text
	case evt.Message.ImageMessage != nil:
		msg.Type = models.MessageTypeImage
	case evt.Message.DocumentMessage != nil:
		msg.Type = models.MessageTypeDocument
	default:
		msg.Type = models.MessageTypeMedia
	}

	slog.Debug("WhatsAppService processing incoming message", "from", msg.From, "type", msg.Type, "body_length", len(msg.Text))

	select {
	case s.messages <- msg:
		slog.Info("WhatsAppService incoming message forwarded", "from", msg.From, "type", msg.Type)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService messages channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
	}
}
