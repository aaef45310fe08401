package intent

import (
	"testing"

	"github.com/BTreeMap/ShopFlow/internal/models"
)

func TestIsEscapeKeyword(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"cancel", true},
		{"CANCEL", true},
		{"  stop  ", true},
		{"Start Over", true},
		{"forget it", true},
		{"clear", true},
		{"reset", true},
		{"please cancel this order", false}, // substring must not trigger escape
		{"stop sending me messages", false},
		{"cancellation", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsEscapeKeyword(tc.text); got != tc.want {
			t.Errorf("IsEscapeKeyword(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestClassifyCartOperations(t *testing.T) {
	for _, text := range []string{"clear cart", "view cart", "show my cart", "checkout", "empty cart", "place order"} {
		res := Classify(text)
		if res.MatchedRule != RuleCartOperation {
			t.Errorf("Classify(%q).MatchedRule = %q, want %q", text, res.MatchedRule, RuleCartOperation)
		}
		if res.Intent != models.IntentCartOperation {
			t.Errorf("Classify(%q).Intent = %q, want cart_operation", text, res.Intent)
		}
	}
}

func TestClassifyQuantityOnly(t *testing.T) {
	for _, text := range []string{"5 ctns", "10 cartons", "2 pcs", "100 pieces", "3 boxes", "1 unit"} {
		res := Classify(text)
		if res.MatchedRule != RuleQuantityOnly {
			t.Errorf("Classify(%q).MatchedRule = %q, want %q", text, res.MatchedRule, RuleQuantityOnly)
		}
	}
	// A bare number without a unit word is not a quantity reply.
	if res := Classify("5"); res.Matched() {
		t.Errorf("Classify(\"5\") matched %q, want no match", res.MatchedRule)
	}
}

func TestClassifyPerUnitPrice(t *testing.T) {
	for _, text := range []string{"rs 120 each", "₹45 per piece", "200 per carton"} {
		res := Classify(text)
		if res.MatchedRule != RulePerUnitPrice {
			t.Errorf("Classify(%q).MatchedRule = %q, want %q", text, res.MatchedRule, RulePerUnitPrice)
		}
	}
}

func TestClassifyLargeQuantity(t *testing.T) {
	for _, text := range []string{"need 2 lakh pieces", "1.5 lac units", "5 lakhs"} {
		res := Classify(text)
		if res.MatchedRule != RuleLargeQuantity {
			t.Errorf("Classify(%q).MatchedRule = %q, want %q", text, res.MatchedRule, RuleLargeQuantity)
		}
	}
}

func TestClassifyDiscountNegotiation(t *testing.T) {
	for _, text := range []string{
		"any discount?",
		"give me 10% off",
		"what is your best price",
		"thoda kam karo",
		"too expensive yaar",
		"can you do rs 90",
	} {
		res := Classify(text)
		if res.MatchedRule != RuleDiscount {
			t.Errorf("Classify(%q).MatchedRule = %q, want %q", text, res.MatchedRule, RuleDiscount)
		}
	}
}

func TestClassifyPriceInquiry(t *testing.T) {
	res := Classify("what is the price of 10x140")
	if res.MatchedRule != RulePriceInquiry {
		t.Errorf("MatchedRule = %q, want %q", res.MatchedRule, RulePriceInquiry)
	}
	// Price word without a product code is discount/AI territory, not a
	// price inquiry for a specific code.
	res = Classify("how much for delivery")
	if res.MatchedRule == RulePriceInquiry {
		t.Error("price inquiry must require a product-code token")
	}
}

func TestClassifyProductCodeOrder(t *testing.T) {
	for _, text := range []string{"10x140 10 ctns", "20x200 5", "10x140, 3 boxes"} {
		res := Classify(text)
		if res.MatchedRule != RuleProductCodeOrder {
			t.Errorf("Classify(%q).MatchedRule = %q, want %q", text, res.MatchedRule, RuleProductCodeOrder)
		}
		if res.Intent != models.IntentOrder {
			t.Errorf("Classify(%q).Intent = %q, want order", text, res.Intent)
		}
	}
}

// Rule precedence is behavior: when an input matches both the cart-operation
// rule and the discount rule, the earlier rule must win.
func TestClassifyPrecedenceCartBeatsDiscount(t *testing.T) {
	// "checkout" alone is a cart op; craft an input matching both families.
	res := Classify("checkout")
	if res.MatchedRule != RuleCartOperation {
		t.Fatalf("MatchedRule = %q, want %q", res.MatchedRule, RuleCartOperation)
	}

	// quantity_only outranks discount too.
	res = Classify("5 ctns")
	if res.MatchedRule != RuleQuantityOnly {
		t.Fatalf("MatchedRule = %q, want %q", res.MatchedRule, RuleQuantityOnly)
	}
}

func TestClassifyNoMatch(t *testing.T) {
	for _, text := range []string{"hello", "do you deliver to pune?", ""} {
		res := Classify(text)
		if res.Matched() {
			t.Errorf("Classify(%q) matched %q, want no match", text, res.MatchedRule)
		}
		if res.Confidence != 0 {
			t.Errorf("Classify(%q).Confidence = %v, want 0", text, res.Confidence)
		}
	}
}

func TestLooksLikeProductRequest(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"10x140 10 ctns", true},
		{"clear cart", true},
		{"mumbai 400001, shop 12", false},
		{"with tax please", false},
	}
	for _, tc := range cases {
		if got := LooksLikeProductRequest(tc.text); got != tc.want {
			t.Errorf("LooksLikeProductRequest(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}
