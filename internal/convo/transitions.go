// Package convo implements the commerce-funnel state machine and the
// store-backed conversation state manager.
package convo

import (
	"github.com/BTreeMap/ShopFlow/internal/models"
)

// transitions is the single source of truth for legal state changes. A state
// not present as a key has no legal outgoing transitions besides the reset to
// StateInitial, which is always allowed.
var transitions = map[models.State][]models.State{
	models.StateInitial: {
		models.StateBrowsing,
		models.StateCartActive,
		models.StateAwaitingTaxDetails,
		models.StateMultiProductDiscussion,
	},
	models.StateBrowsing: {
		models.StateCartActive,
		models.StateMultiProductDiscussion,
		models.StateAwaitingTaxDetails,
	},
	models.StateCartActive: {
		models.StateAwaitingTaxDetails,
		models.StateMultiProductDiscussion,
		models.StateBrowsing,
	},
	models.StateMultiProductDiscussion: {
		models.StateCartActive,
		models.StateAwaitingTaxDetails,
	},
	models.StateAwaitingTaxDetails: {
		models.StateAwaitingShipping,
		models.StateCartActive,
	},
	models.StateAwaitingShipping: {
		models.StateAwaitingAddress,
		models.StateCartActive,
	},
	models.StateAwaitingAddress: {
		models.StateCheckoutReady,
		models.StateCartActive,
	},
	models.StateCheckoutReady: {
		models.StateOrderPlaced,
		models.StateCartActive,
	},
	models.StateOrderPlaced: {
		models.StateBrowsing,
	},
}

// IsValidTransition reports whether moving from current to next is legal.
// A transition to StateInitial (reset) is legal from every state.
func IsValidTransition(current, next models.State) bool {
	if next == models.StateInitial {
		return true
	}
	for _, allowed := range transitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}
