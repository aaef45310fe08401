// Package models defines the conversation state enum for the commerce funnel.
package models

// State is one value from the closed commerce-funnel enum. The zero value
// (StateInitial) is stored as NULL and means "no conversation in progress".
type State string

const (
	// StateInitial is the empty/default state of every conversation.
	StateInitial State = ""
	// StateBrowsing means the customer is browsing the catalog.
	StateBrowsing State = "BROWSING"
	// StateCartActive means the customer has items in an active cart.
	StateCartActive State = "CART_ACTIVE"
	// StateMultiProductDiscussion means several products are being negotiated at once.
	StateMultiProductDiscussion State = "MULTI_PRODUCT_DISCUSSION"
	// StateAwaitingTaxDetails means the bot asked for the tax/GST preference.
	StateAwaitingTaxDetails State = "AWAITING_TAX_DETAILS"
	// StateAwaitingShipping means the bot asked for a shipping method.
	StateAwaitingShipping State = "AWAITING_SHIPPING"
	// StateAwaitingAddress means the bot asked for a delivery address.
	StateAwaitingAddress State = "AWAITING_ADDRESS"
	// StateCheckoutReady means the order is assembled and awaiting confirmation.
	StateCheckoutReady State = "CHECKOUT_READY"
	// StateOrderPlaced means the order was placed; the conversation restarts fresh.
	StateOrderPlaced State = "ORDER_PLACED"
)

// AllStates lists every member of the enum, StateInitial included. Used by
// exhaustive transition tests.
var AllStates = []State{
	StateInitial,
	StateBrowsing,
	StateCartActive,
	StateMultiProductDiscussion,
	StateAwaitingTaxDetails,
	StateAwaitingShipping,
	StateAwaitingAddress,
	StateCheckoutReady,
	StateOrderPlaced,
}

// IsValidState checks if the given state is a member of the enum.
func IsValidState(s State) bool {
	switch s {
	case StateInitial, StateBrowsing, StateCartActive, StateMultiProductDiscussion,
		StateAwaitingTaxDetails, StateAwaitingShipping, StateAwaitingAddress,
		StateCheckoutReady, StateOrderPlaced:
		return true
	default:
		return false
	}
}

// IsAwaitingStructuredInput reports whether the state expects a structured
// reply (tax details, shipping method, or address) rather than free chat.
func (s State) IsAwaitingStructuredInput() bool {
	switch s {
	case StateAwaitingTaxDetails, StateAwaitingShipping, StateAwaitingAddress:
		return true
	default:
		return false
	}
}
