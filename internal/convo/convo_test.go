package convo

import (
	"context"
	"testing"

	"github.com/BTreeMap/ShopFlow/internal/models"
	"github.com/BTreeMap/ShopFlow/internal/store"
)

// legalPairs mirrors the funnel's allowed moves, written out independently of
// the production table so a table edit breaks a test.
var legalPairs = map[models.State][]models.State{
	models.StateInitial:                {models.StateBrowsing, models.StateCartActive, models.StateAwaitingTaxDetails, models.StateMultiProductDiscussion},
	models.StateBrowsing:               {models.StateCartActive, models.StateMultiProductDiscussion, models.StateAwaitingTaxDetails},
	models.StateCartActive:             {models.StateAwaitingTaxDetails, models.StateMultiProductDiscussion, models.StateBrowsing},
	models.StateMultiProductDiscussion: {models.StateCartActive, models.StateAwaitingTaxDetails},
	models.StateAwaitingTaxDetails:     {models.StateAwaitingShipping, models.StateCartActive},
	models.StateAwaitingShipping:       {models.StateAwaitingAddress, models.StateCartActive},
	models.StateAwaitingAddress:        {models.StateCheckoutReady, models.StateCartActive},
	models.StateCheckoutReady:          {models.StateOrderPlaced, models.StateCartActive},
	models.StateOrderPlaced:            {models.StateBrowsing},
}

func isLegal(from, to models.State) bool {
	if to == models.StateInitial {
		return true
	}
	for _, allowed := range legalPairs[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TestTransitionMatrix checks every (from, to) pair of the enum against the
// expected table.
func TestTransitionMatrix(t *testing.T) {
	for _, from := range models.AllStates {
		for _, to := range models.AllStates {
			want := isLegal(from, to)
			if got := IsValidTransition(from, to); got != want {
				t.Errorf("IsValidTransition(%q, %q) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTransitionToInitialAlwaysLegal(t *testing.T) {
	for _, from := range models.AllStates {
		if !IsValidTransition(from, models.StateInitial) {
			t.Errorf("reset from %q should always be legal", from)
		}
	}
}

func newTestStore() (*Store, *store.InMemoryStore) {
	mem := store.NewInMemoryStore()
	return NewStore(mem), mem
}

func TestGetStateMissingConversation(t *testing.T) {
	s, _ := newTestStore()
	st, id, err := s.GetState(context.Background(), "t1", "+919876543210")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st != models.StateInitial || id != "" {
		t.Errorf("expected (initial, \"\"), got (%q, %q)", st, id)
	}
}

func TestSetStateCreatesConversation(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	prev, next, err := s.SetState(ctx, "t1", "+919876543210", models.StateBrowsing, false)
	if err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if prev != models.StateInitial || next != models.StateBrowsing {
		t.Errorf("expected initial -> browsing, got %q -> %q", prev, next)
	}

	// Row stored under canonical digits, visible through any variant.
	st, id, err := s.GetState(ctx, "t1", "9876543210")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st != models.StateBrowsing || id == "" {
		t.Errorf("expected browsing with an ID, got (%q, %q)", st, id)
	}
}

func TestSetStateRejectsIllegalTransition(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	if _, _, err := s.SetState(ctx, "t1", "+919876543210", models.StateBrowsing, false); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	// BROWSING -> ORDER_PLACED is not in the table.
	prev, next, err := s.SetState(ctx, "t1", "+919876543210", models.StateOrderPlaced, false)
	if err != models.ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if prev != models.StateBrowsing || next != models.StateBrowsing {
		t.Errorf("state should be unchanged on rejection, got %q -> %q", prev, next)
	}

	st, _, err := s.GetState(ctx, "t1", "+919876543210")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st != models.StateBrowsing {
		t.Errorf("stored state mutated by rejected transition: %q", st)
	}
}

func TestSetStateForceSkipsValidation(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	if _, _, err := s.SetState(ctx, "t1", "+919876543210", models.StateBrowsing, false); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	prev, next, err := s.SetState(ctx, "t1", "+919876543210", models.StateOrderPlaced, true)
	if err != nil {
		t.Fatalf("forced SetState: %v", err)
	}
	if prev != models.StateBrowsing || next != models.StateOrderPlaced {
		t.Errorf("expected forced browsing -> order_placed, got %q -> %q", prev, next)
	}
}

func TestResetStateIdempotent(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	if _, _, err := s.SetState(ctx, "t1", "+919876543210", models.StateCheckoutReady, true); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	// Reset repeatedly; every round must land on initial without error.
	for i := 0; i < 3; i++ {
		s.ResetState(ctx, "t1", "+919876543210")
		st, _, err := s.GetState(ctx, "t1", "+919876543210")
		if err != nil {
			t.Fatalf("GetState after reset %d: %v", i, err)
		}
		if st != models.StateInitial {
			t.Errorf("reset %d: expected initial, got %q", i, st)
		}
	}
}

func TestResetStateNoConversationIsNoop(t *testing.T) {
	s, mem := newTestStore()
	// Must not panic or error; creates at most a fresh initial row.
	s.ResetState(context.Background(), "t1", "+919876543210")

	st, _, err := NewStore(mem).GetState(context.Background(), "t1", "+919876543210")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st != models.StateInitial {
		t.Errorf("expected initial, got %q", st)
	}
}

func TestContextHelpers(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	got, err := s.GetContext(ctx, "t1", "+919876543210")
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil context for missing conversation, got %v", got)
	}

	if err := s.SetContextValue(ctx, "t1", "+919876543210", "last_product", "10x140"); err != nil {
		t.Fatalf("SetContextValue: %v", err)
	}
	if err := s.SetContextValue(ctx, "t1", "+919876543210", "shipping_method", "courier"); err != nil {
		t.Fatalf("SetContextValue: %v", err)
	}

	got, err = s.GetContext(ctx, "t1", "+919876543210")
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if got["last_product"] != "10x140" || got["shipping_method"] != "courier" {
		t.Errorf("context not accumulated: %v", got)
	}
}

func TestLookupFallsBackToSuffix(t *testing.T) {
	s, mem := newTestStore()
	ctx := context.Background()

	// Seed a row whose stored phone carries an unexpected extra prefix, so no
	// exact variant matches and only the suffix fallback finds it.
	if err := mem.CreateConversation(models.Conversation{
		ID: "conv_odd", TenantID: "t1", Phone: "0919876543210",
		State: models.StateCartActive,
	}); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	st, id, err := s.GetState(ctx, "t1", "+919876543210")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st != models.StateCartActive || id != "conv_odd" {
		t.Errorf("suffix fallback missed, got (%q, %q)", st, id)
	}
}
