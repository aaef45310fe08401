// Package messaging provides pluggable message transports for ShopFlow.
package messaging

import (
	"context"
	"errors"

	"github.com/BTreeMap/ShopFlow/internal/models"
)

// ErrServiceStopped is returned by SendMessage after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable message delivery abstraction. It supports
// sending messages and exposes a channel of inbound messages for the
// dispatcher.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Each transport applies its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Messages returns a channel of inbound messages addressed to the bot.
	Messages() <-chan models.InboundMessage
}
